package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, RunMigrations(context.Background(), db, SQLite, CoreMigrations()))
	return db
}

func countGroups(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM core_group").Scan(&n))
	return n
}

func TestInTx_CommitRunsHooks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var hookRan bool
	err := InTx(ctx, db, func(ctx context.Context) error {
		_, err := Querier(ctx, db).ExecContext(ctx, "INSERT INTO core_group (name) VALUES ($1)", "g1")
		AfterCommit(ctx, func() { hookRan = true })
		assert.False(t, hookRan)
		return err
	})

	require.NoError(t, err)
	assert.True(t, hookRan)
	assert.Equal(t, 1, countGroups(t, db))
}

func TestInTx_RollbackDropsHooks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var hookRan bool
	err := InTx(ctx, db, func(ctx context.Context) error {
		_, err := Querier(ctx, db).ExecContext(ctx, "INSERT INTO core_group (name) VALUES ($1)", "g1")
		require.NoError(t, err)
		AfterCommit(ctx, func() { hookRan = true })
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)
	assert.Zero(t, countGroups(t, db))
}

func TestInTx_Nested(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := InTx(ctx, db, func(outer context.Context) error {
		outerTx := CurrentTx(outer)
		return InTx(outer, db, func(inner context.Context) error {
			assert.Same(t, outerTx, CurrentTx(inner))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestAfterCommit_WithoutTx(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	assert.True(t, ran)
}

func TestInTx_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO core_group").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	err = InTx(context.Background(), db, func(ctx context.Context) error {
		_, err := Querier(ctx, db).ExecContext(ctx, "INSERT INTO core_group (name) VALUES ($1)", "g")
		return err
	})
	assert.ErrorContains(t, err, "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "INSERT INTO core_group (name) VALUES ($1)", "dup")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO core_group (name) VALUES ($1)", "dup")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.True(t, errdefs.IsDuplicated(MapError(err, "group")))

	_, err = db.ExecContext(ctx, "INSERT INTO core_group_user (group_id, user_id) VALUES ($1, $2)", 999, 999)
	require.Error(t, err)
	assert.True(t, IsForeignKeyViolation(err))
	assert.True(t, errdefs.IsNotPermitted(MapError(err, "membership")))

	plain := errors.New("plain")
	assert.Same(t, plain, MapError(plain, "x"))
	assert.NoError(t, MapError(nil, "x"))
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, RunMigrations(context.Background(), db, SQLite, CoreMigrations()))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, len(CoreMigrations()), n)
}

func TestSortMigrations(t *testing.T) {
	merged, err := SortMigrations(
		[]Migration{{Version: 100, Description: "app"}},
		[]Migration{{Version: 1, Description: "core"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, merged[0].Version)
	assert.Equal(t, 100, merged[1].Version)

	_, err = SortMigrations([]Migration{{Version: 1, Description: "a"}}, []Migration{{Version: 1, Description: "b"}})
	assert.Error(t, err)
}

func TestMigrationRender(t *testing.T) {
	m := Migration{SQL: "id {{serial}}, data {{json}}, at {{timestamp}}", PostgresSQL: "ALTER"}
	assert.Equal(t, "id BIGSERIAL PRIMARY KEY, data JSONB, at TIMESTAMPTZ\nALTER", m.Render(Postgres))
	assert.Equal(t, "id INTEGER PRIMARY KEY AUTOINCREMENT, data TEXT, at TIMESTAMP", m.Render(SQLite))
}
