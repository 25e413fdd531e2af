package storage

import (
	"testing"
)

func TestNewPostgresDB(t *testing.T) {
	// Skip if not in integration test mode
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	defer db.Close()

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestMigrationVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return
	}
	db.Close()

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	// applying twice is a no-op
	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	version, dirty, err := MigrationVersion(cfg.URL(), "../../migrations/postgres")
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if dirty {
		t.Error("MigrationVersion() reported a dirty database")
	}
	if version < 1 {
		t.Errorf("MigrationVersion() = %d, want >= 1", version)
	}
}
