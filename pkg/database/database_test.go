package database

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *MigrationManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMigrationManager(db)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"empty path", func(c *Config) { c.DatabasePath = "" }, true},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, true},
		{"zero idle", func(c *Config) { c.ConnMaxIdleTime = 0 }, true},
		{"negative busy timeout", func(c *Config) { c.BusyTimeout = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_DSNCarriesBusyTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyTimeout = 2500 * time.Millisecond
	dsn := cfg.DSN()
	if !strings.Contains(dsn, "_busy_timeout=2500") || !strings.Contains(dsn, "_foreign_keys=on") {
		t.Errorf("unexpected DSN %q", dsn)
	}
}

func TestMigrationManager_ApplyIsIdempotent(t *testing.T) {
	mm := openTestDB(t)

	first, err := mm.ApplyMigrations()
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if !first.Changed || first.Version != 1 || first.Dirty {
		t.Errorf("unexpected first result %+v", first)
	}

	second, err := mm.ApplyMigrations()
	if err != nil {
		t.Fatalf("second ApplyMigrations failed: %v", err)
	}
	if second.Changed {
		t.Error("second run should report no change")
	}

	v, err := mm.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("expected version 1, got %d", v.Version)
	}
}

func TestMigrationManager_Rollback(t *testing.T) {
	mm := openTestDB(t)
	if _, err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if _, err := mm.Rollback(1); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := NewSchemaValidator(mm.db).ValidateTablesExist(); err == nil {
		t.Error("tables should be gone after rollback")
	}
	if _, err := mm.Rollback(0); err == nil {
		t.Error("Rollback(0) should fail")
	}
}

func TestSchemaValidator_FailsOnEmptyDatabase(t *testing.T) {
	mm := openTestDB(t)
	if err := NewSchemaValidator(mm.db).ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
}

func TestSchemaValidator_PassesAfterMigration(t *testing.T) {
	mm := openTestDB(t)
	if _, err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if err := NewSchemaValidator(mm.db).Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	// Constraint checks must not leave rows behind.
	var count int
	if err := mm.db.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected check rows rolled back, found %d", count)
	}
}
