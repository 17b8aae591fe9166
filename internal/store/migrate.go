package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/relay/internal/store/migrations"
)

// MigrateResult describes the schema after a migration run.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// Migrate brings the schema to the latest version.
func (db *DB) Migrate() (*MigrateResult, error) {
	return db.run("up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateTo moves the schema up or down to version.
func (db *DB) MigrateTo(version uint) (*MigrateResult, error) {
	return db.run(fmt.Sprintf("to %d", version), func(m *migrate.Migrate) error { return m.Migrate(version) })
}

func (db *DB) run(name string, step func(*migrate.Migrate) error) (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}
	changed := true
	if err := step(m); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration %s: %w", name, err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
