// Package storagetest provides in-memory databases for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// OpenSQLite returns an in-memory SQLite database with the given migration
// sets applied. The database is closed when the test ends.
func OpenSQLite(t testing.TB, sets ...[]storage.Migration) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	// :memory: is per connection
	db.SetMaxOpenConns(1)

	_, err = storage.Migrate(context.Background(), db, storage.DialectSQLite, sets...)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}
