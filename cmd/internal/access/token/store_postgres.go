package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema created by the embedded migrations.
const DefaultSchema = "voicegate"

// PostgresStore persists tokens in PostgreSQL. Usage history lives in a child table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "voicegate").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

const tokenColumns = `id, token_hash, created_at, expires_at, is_used, used_at, usage_count, last_used_at`

func scanToken(row pgx.Row) (AccessToken, error) {
	var t AccessToken
	err := row.Scan(
		&t.ID,
		&t.TokenHash,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.IsUsed,
		&t.UsedAt,
		&t.UsageCount,
		&t.LastUsedAt,
	)
	return t, err
}

func (s *PostgresStore) Create(ctx context.Context, t AccessToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.TokenHash) == "" {
		return ErrInvalidInput
	}
	tokens := pgIdent(s.schema, "access_tokens")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tokens+` (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID,
		t.TokenHash,
		t.CreatedAt,
		t.ExpiresAt,
		t.IsUsed,
		t.UsedAt,
		t.UsageCount,
		t.LastUsedAt,
	)
	return err
}

func (s *PostgresStore) GetByHash(ctx context.Context, tokenHash string) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return AccessToken{}, ErrInvalidInput
	}

	tokens := pgIdent(s.schema, "access_tokens")
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM `+tokens+` WHERE token_hash = $1`,
		tokenHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccessToken{}, ErrNotFound
		}
		return AccessToken{}, err
	}

	usage, err := s.loadUsage(ctx, s.pool, t.ID)
	if err != nil {
		return AccessToken{}, err
	}
	t.Usage = usage
	return t, nil
}

// RecordUse applies the redemption with one conditional UPDATE and appends the
// usage row in the same transaction.
func (s *PostgresStore) RecordUse(ctx context.Context, in UseRecord) (AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	if strings.TrimSpace(in.TokenHash) == "" {
		return AccessToken{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	usedAt := in.Usage.UsedAt
	if usedAt.IsZero() {
		usedAt = in.Now
	}

	tokens := pgIdent(s.schema, "access_tokens")
	usageTbl := pgIdent(s.schema, "access_token_usage")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return AccessToken{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanToken(tx.QueryRow(ctx,
		`UPDATE `+tokens+`
		    SET usage_count = usage_count + 1,
		        last_used_at = $2,
		        is_used = CASE WHEN $3::boolean THEN true ELSE is_used END,
		        used_at = CASE WHEN $3::boolean THEN $2 ELSE used_at END
		  WHERE token_hash = $1
		    AND expires_at > $2
		    AND (NOT $3::boolean OR is_used = false)
		RETURNING `+tokenColumns,
		in.TokenHash,
		in.Now,
		in.Consume,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return AccessToken{}, err
		}
		_ = tx.Rollback(ctx)

		cur, getErr := s.GetByHash(ctx, in.TokenHash)
		if getErr != nil {
			return AccessToken{}, getErr
		}
		return AccessToken{}, classifyMiss(cur, in.Consume, in.Now)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+usageTbl+` (token_id, used_at, user_agent, ip_address)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))`,
		t.ID,
		usedAt,
		in.Usage.UserAgent,
		in.Usage.IPAddress,
	); err != nil {
		return AccessToken{}, err
	}

	usage, err := s.loadUsage(ctx, tx, t.ID)
	if err != nil {
		return AccessToken{}, err
	}
	t.Usage = usage

	if err := tx.Commit(ctx); err != nil {
		return AccessToken{}, err
	}
	return t, nil
}

// DeleteExpired removes tokens with expires_at < now; usage rows cascade.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tokens := pgIdent(s.schema, "access_tokens")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+tokens+` WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) loadUsage(ctx context.Context, q querier, tokenID string) ([]Usage, error) {
	usageTbl := pgIdent(s.schema, "access_token_usage")
	rows, err := q.Query(ctx,
		`SELECT used_at, COALESCE(user_agent, ''), COALESCE(ip_address, '')
		   FROM `+usageTbl+`
		  WHERE token_id = $1
		  ORDER BY used_at ASC, id ASC`,
		tokenID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.UsedAt, &u.UserAgent, &u.IPAddress); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
