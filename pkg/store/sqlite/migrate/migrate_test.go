package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator(t *testing.T) {
	ctx := context.Background()

	t.Run("empty database is at version 0", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
	})

	t.Run("up applies in order and is idempotent", func(t *testing.T) {
		db := openDB(t)
		m := New(db, "test_migrations")
		require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
		require.Len(t, m.migrations, 2)
		assert.Equal(t, "create_widgets", m.migrations[0].Name)

		require.NoError(t, m.Up(ctx))
		require.NoError(t, m.Up(ctx))

		version, err := m.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)

		_, err = db.Exec("INSERT INTO widgets (id, name, color) VALUES ('w1', 'gear', 'red')")
		require.NoError(t, err)

		pending, err := m.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("down requires a down script", func(t *testing.T) {
		m := New(openDB(t), "test_migrations")
		require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
		require.NoError(t, m.Up(ctx))

		err := m.Down(ctx)
		assert.ErrorContains(t, err, "no down script")
	})
}
