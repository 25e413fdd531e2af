package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/match-archiver/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "match_archiver"),
		User:           envOr("POSTGRES_USER", "archiver"),
		Password:       envOr("POSTGRES_PASSWORD", "archiver_dev_password"),
		MaxConnections: 5,
	}
}

func testClickHouseConfig() *config.ClickHouseConfig {
	return &config.ClickHouseConfig{
		Enabled:  true,
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "match_archiver"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: envOr("CLICKHOUSE_PASSWORD", ""),
	}
}

// newTestArchiveStore connects to Postgres, applies migrations and empties the
// archive tables. The test is skipped when Postgres is not reachable.
func newTestArchiveStore(t *testing.T) *ArchiveStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE score, match, map, player`); err != nil {
		t.Fatalf("truncate error = %v", err)
	}

	return NewArchiveStore(db)
}
