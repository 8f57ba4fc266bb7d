package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"FlipSettle/internal/kv"
	"FlipSettle/internal/observability"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list applied migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  FLIP_STORE_DRIVER - postgres | sqlite (default: postgres)")
		fmt.Println("  FLIP_STORE_DSN    - connection string (required)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	dialect := kv.Dialect(os.Getenv("FLIP_STORE_DRIVER"))
	switch dialect {
	case "":
		dialect = kv.DialectPostgres
	case kv.DialectPostgres, kv.DialectSQLite:
	default:
		logger.Fatal().Str("driver", string(dialect)).Msg("unsupported store driver")
	}

	dsn := os.Getenv("FLIP_STORE_DSN")
	if dsn == "" {
		logger.Fatal().Msg("FLIP_STORE_DSN is required")
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := kv.NewMigrator(db, dialect)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		applied, err := migrator.Applied(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list migrations")
		}
		for _, v := range applied {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
