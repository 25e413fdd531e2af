// Package config provides configuration management for the match archiver.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Osu       OsuConfig
	RateLimit RateLimitConfig
	Archive   ArchiveConfig
	Intake    IntakeConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// The score analytics mirror is only wired when Enabled is set.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// OsuConfig holds upstream API credentials and transport settings
type OsuConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// AccessToken is an optional pre-provisioned bearer token
	AccessToken string
	HTTPTimeout time.Duration
}

// RateLimitConfig holds the upstream request limiter settings
type RateLimitConfig struct {
	// Backend is "redis" (shared across processes) or "local"
	Backend     string
	LimiterID   string
	MinInterval time.Duration
	LeaseTTL    time.Duration
}

// ArchiveConfig holds queue and worker settings
type ArchiveConfig struct {
	QueueName      string
	JobInterval    time.Duration
	RetryCooldown  time.Duration
	DequeueTimeout time.Duration
	// WorkerID names the worker's processing list; random when empty
	WorkerID     string
	HeartbeatTTL time.Duration
}

// IntakeConfig holds settings for the archival request API
type IntakeConfig struct {
	RequestsPerSecond int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "match_archiver"),
				User:           getEnv("POSTGRES_USER", "archiver"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "match_archiver"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Osu: OsuConfig{
			BaseURL:      strings.TrimRight(getEnv("OSU_BASE_URL", "https://osu.ppy.sh"), "/"),
			ClientID:     getEnv("OSU_CLIENT_ID", ""),
			ClientSecret: getEnv("OSU_CLIENT_SECRET", ""),
			AccessToken:  getEnv("OSU_ACCESS_TOKEN", ""),
			HTTPTimeout:  getEnvAsDuration("OSU_HTTP_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Backend:     getEnv("RATE_LIMIT_BACKEND", "redis"),
			LimiterID:   getEnv("RATE_LIMIT_ID", "osu-api"),
			MinInterval: getEnvAsDuration("RATE_LIMIT_MIN_INTERVAL", time.Second),
			LeaseTTL:    getEnvAsDuration("RATE_LIMIT_LEASE_TTL", 2*time.Minute),
		},
		Archive: ArchiveConfig{
			QueueName:      getEnv("ARCHIVE_QUEUE_NAME", "archive"),
			JobInterval:    getEnvAsDuration("ARCHIVE_JOB_INTERVAL", 10*time.Second),
			RetryCooldown:  getEnvAsDuration("ARCHIVE_RETRY_COOLDOWN", 24*time.Hour),
			DequeueTimeout: getEnvAsDuration("ARCHIVE_DEQUEUE_TIMEOUT", 5*time.Second),
			WorkerID:       getEnv("ARCHIVE_WORKER_ID", ""),
			HeartbeatTTL:   getEnvAsDuration("ARCHIVE_HEARTBEAT_TTL", 30*time.Second),
		},
		Intake: IntakeConfig{
			RequestsPerSecond: getEnvAsInt("INTAKE_REQUESTS_PER_SECOND", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// ValidateWorker checks the settings the archive worker cannot run without
func (c *Config) ValidateWorker() error {
	// a pre-provisioned token still has to be refreshed eventually
	if c.Osu.ClientID == "" || c.Osu.ClientSecret == "" {
		return fmt.Errorf("OSU_CLIENT_ID and OSU_CLIENT_SECRET are required")
	}
	switch c.RateLimit.Backend {
	case "redis", "local":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be redis or local, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.MinInterval <= 0 {
		return fmt.Errorf("RATE_LIMIT_MIN_INTERVAL must be positive")
	}
	if c.Archive.JobInterval <= 0 {
		return fmt.Errorf("ARCHIVE_JOB_INTERVAL must be positive")
	}
	if c.Archive.HeartbeatTTL < 3*time.Second {
		return fmt.Errorf("ARCHIVE_HEARTBEAT_TTL must be at least 3s")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
