// migrate applies the embedded Postgres schema; run with go run ./cmd/migrate.
package main

import (
	"fmt"
	"os"

	cli "github.com/spf13/pflag"

	"voicegate/cmd/internal/app"
	"voicegate/cmd/internal/dbmigrate"
)

func main() {
	direction := cli.StringP("direction", "d", dbmigrate.DirectionUp, "Migration direction: up or down")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	cli.Parse()

	cfg, err := app.LoadConfigFile(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; create a .env or export DATABASE_URL")
		os.Exit(1)
	}

	if err := dbmigrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}

	v, dirty, err := dbmigrate.Version(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "version:", err)
		os.Exit(1)
	}
	fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
}
