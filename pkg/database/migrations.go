package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"chatwire/pkg/database/migrations"
)

// MigrateResult describes what a migration run changed.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// MigrationManager applies the embedded schema versions.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

func (m *MigrationManager) instance() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return mg, nil
}

// ApplyMigrations runs every pending up migration.
func (m *MigrationManager) ApplyMigrations() (*MigrateResult, error) {
	mg, err := m.instance()
	if err != nil {
		return nil, err
	}
	return m.finish(mg, mg.Up())
}

// Rollback reverts the given number of versions.
func (m *MigrationManager) Rollback(steps int) (*MigrateResult, error) {
	if steps <= 0 {
		return nil, errors.New("rollback steps must be positive")
	}
	mg, err := m.instance()
	if err != nil {
		return nil, err
	}
	return m.finish(mg, mg.Steps(-steps))
}

// Version reports the current schema version. Zero means no migration ran.
func (m *MigrationManager) Version() (*MigrateResult, error) {
	mg, err := m.instance()
	if err != nil {
		return nil, err
	}
	result, err := m.finish(mg, nil)
	if err != nil {
		return nil, err
	}
	result.Changed = false
	return result, nil
}

func (m *MigrationManager) finish(mg *migrate.Migrate, runErr error) (*MigrateResult, error) {
	changed := true
	if errors.Is(runErr, migrate.ErrNoChange) {
		changed = false
		runErr = nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("migration run: %w", runErr)
	}
	// The sqlite3 driver closes the shared *sql.DB on Close, so the instance is
	// left for the garbage collector.
	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return &MigrateResult{Changed: changed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
