// Package storagetest opens migrated in-memory databases for tests.
package storagetest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/storage"
)

// NewDB returns an in-memory SQLite database with the core schema and any
// extra migration sets applied. It is closed when the test ends.
func NewDB(t testing.TB, extra ...[]storage.Migration) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sets := append([][]storage.Migration{storage.CoreMigrations()}, extra...)
	require.NoError(t, storage.RunMigrations(context.Background(), db, storage.SQLite, sets...))
	return db
}

// NewBlobStore returns a filesystem blob store under a temporary directory
func NewBlobStore(t testing.TB) *storage.FileSystemBlobStore {
	t.Helper()
	store, err := storage.NewFileSystemBlobStore(t.TempDir())
	require.NoError(t, err)
	return store
}
