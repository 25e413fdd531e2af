package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("ARCHIVE_RETRY_COOLDOWN", "12h")
	t.Setenv("OSU_BASE_URL", "http://localhost:1234/")
	t.Setenv("CLICKHOUSE_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Archive.RetryCooldown != 12*time.Hour {
		t.Errorf("Archive.RetryCooldown = %v, want %v", cfg.Archive.RetryCooldown, 12*time.Hour)
	}
	if cfg.Osu.BaseURL != "http://localhost:1234" {
		t.Errorf("Osu.BaseURL = %v, want trailing slash trimmed", cfg.Osu.BaseURL)
	}
	if !cfg.Database.ClickHouse.Enabled {
		t.Errorf("Database.ClickHouse.Enabled = false, want true")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Archive.JobInterval != 10*time.Second {
		t.Errorf("Archive.JobInterval = %v, want 10s", cfg.Archive.JobInterval)
	}
	if cfg.Archive.RetryCooldown != 24*time.Hour {
		t.Errorf("Archive.RetryCooldown = %v, want 24h", cfg.Archive.RetryCooldown)
	}
	if cfg.RateLimit.MinInterval != time.Second {
		t.Errorf("RateLimit.MinInterval = %v, want 1s", cfg.RateLimit.MinInterval)
	}
	if cfg.Archive.HeartbeatTTL != 30*time.Second {
		t.Errorf("Archive.HeartbeatTTL = %v, want 30s", cfg.Archive.HeartbeatTTL)
	}
	if cfg.Archive.WorkerID != "" {
		t.Errorf("Archive.WorkerID = %q, want empty", cfg.Archive.WorkerID)
	}
	if cfg.RateLimit.LimiterID != "osu-api" {
		t.Errorf("RateLimit.LimiterID = %v, want osu-api", cfg.RateLimit.LimiterID)
	}
}

func TestValidateWorker(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Osu:       OsuConfig{ClientID: "1", ClientSecret: "s"},
			RateLimit: RateLimitConfig{Backend: "redis", MinInterval: time.Second},
			Archive:   ArchiveConfig{JobInterval: 10 * time.Second, HeartbeatTTL: 30 * time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing credentials", func(c *Config) { c.Osu.ClientSecret = "" }, true},
		{"token without credentials", func(c *Config) {
			c.Osu.AccessToken = "tok"
			c.Osu.ClientID = ""
		}, true},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "memcached" }, true},
		{"local backend", func(c *Config) { c.RateLimit.Backend = "local" }, false},
		{"zero interval", func(c *Config) { c.RateLimit.MinInterval = 0 }, true},
		{"heartbeat ttl too short", func(c *Config) { c.Archive.HeartbeatTTL = time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.ValidateWorker()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorker() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	t.Setenv("TEST_DURATION", "1m")
	t.Setenv("TEST_BOOL", "yes-ish")

	if got := getEnvAsInt("TEST_INT", 7); got != 7 {
		t.Errorf("getEnvAsInt() = %v, want default 7", got)
	}
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != time.Minute {
		t.Errorf("getEnvAsDuration() = %v, want 1m", got)
	}
	if got := getEnvAsBool("TEST_BOOL", true); got != true {
		t.Errorf("getEnvAsBool() = %v, want default true", got)
	}
	if got := getEnv("TEST_UNSET_KEY", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %v, want fallback", got)
	}
}
