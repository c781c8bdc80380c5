package dbmigrate

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
)

func TestRun_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if err := Run("  ", DirectionUp); !errors.Is(err, ErrMissingDSN) {
		t.Fatalf("expected ErrMissingDSN, got %v", err)
	}

	for _, dir := range []string{"", "UP", "sideways"} {
		err := Run("postgres://localhost/voicegate", dir)
		if err == nil || !strings.Contains(err.Error(), "direction") {
			t.Fatalf("direction %q: expected direction error, got %v", dir, err)
		}
	}
}

func TestMigrations_ArePaired(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %q", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("no migrations embedded")
	}
	for k := range ups {
		if !downs[k] {
			t.Fatalf("migration %s has no down file", k)
		}
	}
}

// Enabled when VOICEGATE_TEST_DATABASE_URL is set. Applies, checks, then rolls back.
func TestRun_UpDown(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("VOICEGATE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("integration test skipped: VOICEGATE_TEST_DATABASE_URL is not set")
	}

	if err := Run(dsn, DirectionUp); err != nil {
		t.Fatalf("up: %v", err)
	}
	v, dirty, err := Version(dsn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if dirty || v != 2 {
		t.Fatalf("version=%d dirty=%v", v, dirty)
	}
	if err := Run(dsn, DirectionUp); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	if err := Run(dsn, DirectionDown); err != nil {
		t.Fatalf("down: %v", err)
	}
}
