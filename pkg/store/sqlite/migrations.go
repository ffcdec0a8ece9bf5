package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/eventdaemon/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

func newMigrator(db *sql.DB) (*migrate.Migrator, error) {
	m := migrate.New(db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	return m, nil
}

// runMigrations runs all pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// RunMigrations runs all pending migrations on the store.
// Only needed when the store was opened with WithAutoMigrate(false).
func (s *EventStore) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// MigrationVersion returns the current schema version.
func (s *EventStore) MigrationVersion(ctx context.Context) (int, error) {
	m, err := newMigrator(s.db)
	if err != nil {
		return 0, err
	}
	return m.Version(ctx)
}
