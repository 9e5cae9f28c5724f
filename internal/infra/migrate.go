package infra

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one embedded schema file.
type Migration struct {
	Version string
	SQL     string
}

// Migrations lists the embedded Postgres migrations in version order.
func Migrations() ([]Migration, error) {
	entries, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	out := make([]Migration, 0, len(entries))
	for _, name := range entries {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		out = append(out, Migration{Version: version, SQL: string(body)})
	}
	return out, nil
}

// MigratePostgres applies pending migrations through database/sql with the
// lib/pq driver and returns the versions it applied.
func MigratePostgres(ctx context.Context, databaseURL string, logger Logger) ([]string, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrate: open: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `create table if not exists schema_migrations (
    version    text primary key,
    applied_at timestamptz not null default now()
)`); err != nil {
		return nil, fmt.Errorf("migrate: bootstrap: %w", err)
	}

	migrations, err := Migrations()
	if err != nil {
		return nil, fmt.Errorf("migrate: load: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		ok, err := applyMigration(ctx, db, m)
		if err != nil {
			return applied, fmt.Errorf("migrate %s: %w", m.Version, err)
		}
		if ok {
			logger.Info().Str("version", m.Version).Msg("migrate: applied")
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Serializes concurrent migrators.
	if _, err := tx.ExecContext(ctx, `lock table schema_migrations in exclusive mode`); err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from schema_migrations where version = $1)`, m.Version).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `insert into schema_migrations(version) values ($1)`, m.Version); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
