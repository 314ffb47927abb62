package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration represents a database migration. Versions are global across
// packages: audit owns 100-199, access 200-299, capture 300-399 and entity
// 400-499.
type Migration struct {
	Version     int
	Description string
	SQL         string
	// PostgresOnly and SQLiteOnly mark dialect-specific statements, such as
	// triggers, which the two engines spell differently.
	PostgresOnly bool
	SQLiteOnly   bool
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`

// Migrate applies every migration not yet recorded in schema_migrations, in
// version order, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, sets ...[]Migration) (int, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var all []Migration
	seen := make(map[int]string)
	for _, set := range sets {
		for _, m := range set {
			if prev, dup := seen[m.Version]; dup {
				return 0, fmt.Errorf("duplicate migration version %d (%s, %s)", m.Version, prev, m.Description)
			}
			seen[m.Version] = m.Description
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	applied := 0
	for _, m := range all {
		if (m.PostgresOnly && dialect != DialectPostgres) || (m.SQLiteOnly && dialect != DialectSQLite) {
			continue
		}

		var exists int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = $1", m.Version).Scan(&exists)
		if err != nil {
			return applied, fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}

		err = WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				m.Version, m.Description, time.Now().UTC())
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		applied++
	}

	return applied, nil
}
