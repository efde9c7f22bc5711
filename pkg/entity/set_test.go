package entity

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
	"github.com/corefacility/corefacility/pkg/storage/storagetest"
)

var itemMigrations = []storage.Migration{{
	Version:     1000,
	Description: "test items",
	SQL: `
		CREATE TABLE test_item (
			id {{serial}},
			alias TEXT NOT NULL UNIQUE,
			name TEXT,
			count INT,
			enabled BOOLEAN,
			ratio DOUBLE PRECISION,
			seen_at {{timestamp}},
			settings {{json}},
			kind TEXT,
			computed TEXT
		);
	`,
}}

func newItemSet(db *sql.DB) *Set {
	return NewSet(SetConfig{
		DB:         db,
		Schema:     itemSchema,
		Alias:      "i",
		Providers:  []Provider{NewSQLProvider(db)},
		AliasField: "alias",
		Filters: map[string]Filter{
			"enabled": Equals("i.enabled"),
			"kind":    Equals("i.kind"),
			"q":       Search("i.alias", "i.name"),
		},
	})
}

func seedItems(t *testing.T, db *sql.DB, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		e := New(itemSchema, NewSQLProvider(db))
		require.NoError(t, e.Set("alias", fmt.Sprintf("item%02d", i)))
		require.NoError(t, e.Set("name", fmt.Sprintf("Item %d", i)))
		require.NoError(t, e.Set("enabled", i%2 == 0))
		require.NoError(t, e.Set("settings", map[string]int{"n": i}))
		require.NoError(t, e.Create(ctx))
	}
}

func TestSQLProvider_RoundTrip(t *testing.T) {
	db := storagetest.NewDB(t, itemMigrations)
	ctx := context.Background()
	set := newItemSet(db)

	e := New(itemSchema, NewSQLProvider(db))
	require.NoError(t, e.Set("alias", "c022"))
	require.NoError(t, e.Set("ratio", 0.5))
	require.NoError(t, e.Set("seen_at", "2024-01-02T03:04:05Z"))
	require.NoError(t, e.Set("settings", `{"k":"v"}`))
	require.NoError(t, e.Set("scratch", "not stored"))
	require.NoError(t, e.Create(ctx))
	require.NotZero(t, e.ID())

	loaded, err := set.Get(ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, loaded.State())
	assert.Equal(t, "c022", loaded.String("alias"))
	assert.Equal(t, 0.5, loaded.Float("ratio"))
	assert.JSONEq(t, `{"k":"v"}`, string(loaded.JSON("settings")))
	seen, ok := loaded.Time("seen_at")
	require.True(t, ok)
	assert.Equal(t, 2024, seen.Year())
	assert.True(t, loaded.IsNull("scratch"))

	require.NoError(t, loaded.Set("name", "renamed"))
	require.NoError(t, loaded.Update(ctx))
	reloaded, err := set.GetByAlias(ctx, "c022")
	require.NoError(t, err)
	assert.Equal(t, "renamed", reloaded.String("name"))

	require.NoError(t, reloaded.Delete(ctx))
	_, err = set.Get(ctx, e.ID())
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSQLProvider_Duplicate(t *testing.T) {
	db := storagetest.NewDB(t, itemMigrations)
	seedItems(t, db, 1)

	e := New(itemSchema, NewSQLProvider(db))
	require.NoError(t, e.Set("alias", "item00"))
	err := e.Create(context.Background())
	assert.True(t, errdefs.IsDuplicated(err))
	assert.Equal(t, StateCreating, e.State())
}

func TestSQLProvider_RollbackRestoresRow(t *testing.T) {
	db := storagetest.NewDB(t, itemMigrations)
	ctx := context.Background()
	seedItems(t, db, 1)
	set := newItemSet(db)

	failing := ProviderFuncs{Update: func(context.Context, *Entity) error { return errdefs.Validation("refused") }}
	cfg := *set.cfg
	cfg.Providers = []Provider{NewSQLProvider(db), failing}
	guarded := NewSet(cfg)

	e, err := guarded.GetByAlias(ctx, "item00")
	require.NoError(t, err)
	require.NoError(t, e.Set("name", "changed"))
	assert.True(t, errdefs.IsInvalid(e.Update(ctx)))

	fresh, err := set.GetByAlias(ctx, "item00")
	require.NoError(t, err)
	assert.Equal(t, "Item 0", fresh.String("name"))
}

func TestSet_ReadOperations(t *testing.T) {
	db := storagetest.NewDB(t, itemMigrations)
	ctx := context.Background()
	seedItems(t, db, 10)
	set := newItemSet(db)

	n, err := set.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	third, err := set.Index(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "item02", third.String("alias"))

	_, err = set.Index(ctx, 10)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = set.Index(ctx, -1)
	assert.Equal(t, errdefs.CodeNegativeIndex, errdefs.Code(err))

	t.Run("slice truncates", func(t *testing.T) {
		page, err := set.Slice(ctx, 8, 20, 1)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "item08", page[0].String("alias"))

		empty, err := set.Slice(ctx, 30, 40, 1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("slice rejects negative bounds and steps", func(t *testing.T) {
		_, err := set.Slice(ctx, -1, 3, 1)
		assert.Equal(t, errdefs.CodeNegativeIndex, errdefs.Code(err))
		_, err = set.Slice(ctx, 0, -3, 1)
		assert.Equal(t, errdefs.CodeNegativeIndex, errdefs.Code(err))
		_, err = set.Slice(ctx, 0, 3, 2)
		assert.True(t, errdefs.IsInvalid(err))
	})

	t.Run("filters accumulate", func(t *testing.T) {
		filtered := set.Clone()
		require.NoError(t, filtered.Filter("enabled", true))
		n, err := filtered.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		require.NoError(t, filtered.Filter("q", "ITEM 4"))
		all, err := filtered.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "item04", all[0].String("alias"))

		n, err = set.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n, "clone must not leak filters")
	})

	t.Run("unknown filter", func(t *testing.T) {
		assert.True(t, errdefs.IsInvalid(set.Clone().Filter("color", "red")))
	})

	t.Run("each stops on ErrStop", func(t *testing.T) {
		var seen []string
		err := set.Each(ctx, func(e *Entity) error {
			seen = append(seen, e.String("alias"))
			if len(seen) == 3 {
				return ErrStop
			}
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 3)
	})
}

func TestSet_DeterministicSQL(t *testing.T) {
	a := newItemSet(nil)
	b := newItemSet(nil)
	require.NoError(t, a.Filter("kind", "a"))
	require.NoError(t, a.Filter("enabled", true))
	require.NoError(t, b.Filter("enabled", true))
	require.NoError(t, b.Filter("kind", "a"))

	sqlA, argsA := a.Query().SQL()
	sqlB, argsB := b.Query().SQL()
	assert.Equal(t, sqlA, sqlB)
	assert.Equal(t, argsA, argsB)
	assert.Equal(t, a.Query().Fingerprint(), b.Query().Fingerprint())
}

type user struct{ *Entity }

func TestCollection(t *testing.T) {
	db := storagetest.NewDB(t, itemMigrations)
	ctx := context.Background()
	seedItems(t, db, 3)

	items := NewCollection(newItemSet(db), func(e *Entity) *user { return &user{e} })
	enabled, err := items.Where("enabled", true)
	require.NoError(t, err)

	all, err := enabled.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "item02", all[1].String("alias"))

	got, err := items.GetByAlias(ctx, "item01")
	require.NoError(t, err)
	assert.Equal(t, "Item 1", got.String("name"))

	_, err = items.Get(ctx, 999)
	assert.True(t, errdefs.IsNotFound(err))
}

var fileSchema = NewSchema("document", "test_document",
	Field{Name: "title", Kind: KindString, Required: true},
	Field{Name: "data", Kind: KindString, ReadOnly: true},
)

var fileMigrations = []storage.Migration{{
	Version:     1001,
	Description: "test documents",
	SQL:         `CREATE TABLE test_document (id {{serial}}, title TEXT NOT NULL UNIQUE, data TEXT);`,
}}

func TestFileProvider(t *testing.T) {
	db := storagetest.NewDB(t, fileMigrations)
	blobs := storagetest.NewBlobStore(t)
	ctx := context.Background()
	files := NewFileProvider(blobs, "data", ContentKey("docs", ".bin"), "application/octet-stream")
	providers := []Provider{files, NewSQLProvider(db)}

	e := New(fileSchema, providers...)
	require.NoError(t, e.Set("title", "first"))
	require.NoError(t, e.SetFile("data", []byte("v1")))
	require.NoError(t, e.Create(ctx))
	firstKey := e.String("data")
	require.NotEmpty(t, firstKey)

	rc, err := files.Open(ctx, e)
	require.NoError(t, err)
	content, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "v1", string(content))

	t.Run("replaced blob removed after commit", func(t *testing.T) {
		err := storage.InTx(ctx, db, func(ctx context.Context) error {
			require.NoError(t, e.SetFile("data", []byte("v2")))
			require.NoError(t, e.Update(ctx))
			exists, err := blobs.Exists(ctx, firstKey)
			require.NoError(t, err)
			assert.True(t, exists, "old blob must survive until commit")
			return nil
		})
		require.NoError(t, err)
		exists, err := blobs.Exists(ctx, firstKey)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("failed create removes written blob", func(t *testing.T) {
		dup := New(fileSchema, providers...)
		require.NoError(t, dup.Set("title", "first"))
		require.NoError(t, dup.SetFile("data", []byte("orphan")))
		assert.True(t, errdefs.IsDuplicated(dup.Create(ctx)))

		key := ContentKey("docs", ".bin")(dup, []byte("orphan"))
		exists, err := blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("failed create keeps a blob another entity shares", func(t *testing.T) {
		shared := e.String("data")
		dup := New(fileSchema, providers...)
		require.NoError(t, dup.Set("title", "first"))
		require.NoError(t, dup.SetFile("data", []byte("v2")))
		assert.True(t, errdefs.IsDuplicated(dup.Create(ctx)))
		assert.Equal(t, shared, dup.String("data"))

		rc, err := files.Open(ctx, e)
		require.NoError(t, err)
		content, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "v2", string(content))
	})

	t.Run("delete removes blob", func(t *testing.T) {
		key := e.String("data")
		require.NoError(t, e.Delete(ctx))
		_, err := blobs.Get(ctx, key)
		assert.True(t, errdefs.IsNotFound(err))
	})
}
