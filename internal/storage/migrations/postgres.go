// Package migrations applies the embedded ledger and event-log schemas.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"cashbridge/internal/storage/postgres"
)

// PostgresFS holds the ledger schema, applied in lexical file order.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

const createVersionTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// RunPostgresMigrations applies every embedded file not yet recorded in
// schema_migrations. Each file runs in its own transaction together with
// its version row.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	if _, err := pool.Exec(ctx, createVersionTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return fmt.Errorf("read embedded postgres migrations: %w", err)
	}

	for _, file := range files {
		version := strings.TrimSuffix(file, ".sql")

		var applied bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		ddl, err := fs.ReadFile(PostgresFS, "postgres/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := applyPostgres(ctx, pool, version, string(ddl)); err != nil {
			return err
		}
	}
	return nil
}

func applyPostgres(ctx context.Context, pool *postgres.Pool, version, ddl string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// multi-statement DDL goes through the simple protocol
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}
