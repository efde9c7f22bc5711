package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Migration represents a database migration. SQL may use the dialect
// placeholders {{serial}}, {{json}} and {{timestamp}}; PostgresSQL runs
// after SQL on PostgreSQL only.
type Migration struct {
	Version     int
	Description string
	SQL         string
	PostgresSQL string
}

var dialectReplacers = map[Dialect]*strings.Replacer{
	Postgres: strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{json}}", "JSONB",
		"{{timestamp}}", "TIMESTAMPTZ",
		"{{now}}", "NOW()",
	),
	SQLite: strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{json}}", "TEXT",
		"{{timestamp}}", "TIMESTAMP",
		"{{now}}", "CURRENT_TIMESTAMP",
	),
}

// Render returns the statements of m for the given dialect
func (m Migration) Render(dialect Dialect) string {
	out := dialectReplacers[dialect].Replace(m.SQL)
	if dialect == Postgres && m.PostgresSQL != "" {
		out += "\n" + m.PostgresSQL
	}
	return out
}

// SortMigrations merges migration sets and orders them by version
func SortMigrations(sets ...[]Migration) ([]Migration, error) {
	var all []Migration
	seen := map[int]string{}
	for _, set := range sets {
		for _, m := range set {
			if prev, ok := seen[m.Version]; ok {
				return nil, fmt.Errorf("migration version %d used by %q and %q", m.Version, prev, m.Description)
			}
			seen[m.Version] = m.Description
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	return all, nil
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect, sets ...[]Migration) error {
	migrations, err := SortMigrations(sets...)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, dialectReplacers[dialect].Replace(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{timestamp}} NOT NULL DEFAULT {{now}}
		)
	`))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range migrations {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.Render(dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
