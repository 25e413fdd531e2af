// Package ratelimit paces requests to the upstream game API. The Redis
// limiter is shared by every worker process; the local limiter serves
// single-process deployments and tests.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Default limiter values.
const (
	DefaultLimiterID      = "osu-api"
	DefaultMinInterval    = time.Second
	DefaultLeaseTTL       = 2 * time.Minute
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultReleaseTimeout = 5 * time.Second
)

// Config holds limiter configuration shared by both implementations.
type Config struct {
	// ID namespaces the Redis keys. Processes with the same ID share one budget.
	// Default: osu-api
	ID string

	// MinInterval is the minimum spacing between two dispatches. Default: 1s.
	MinInterval time.Duration

	// LeaseTTL bounds how long a crashed holder can block others. Default: 2m.
	// Must exceed the longest expected upstream request.
	LeaseTTL time.Duration

	// PollInterval is the retry delay while another request is in flight. Default: 100ms.
	PollInterval time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MinInterval < 0 {
		return errors.New("min interval cannot be negative")
	}
	if c.LeaseTTL < 0 {
		return errors.New("lease ttl cannot be negative")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}
	if c.LeaseTTL > 0 && c.LeaseTTL < c.MinInterval {
		return fmt.Errorf("lease ttl (%s) must not be shorter than min interval (%s)", c.LeaseTTL, c.MinInterval)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = DefaultLimiterID
	}
	if c.MinInterval == 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// String returns a human-readable representation of the configuration.
func (c Config) String() string {
	return fmt.Sprintf("RateLimit{ID: %s, MinInterval: %s, LeaseTTL: %s}", c.ID, c.MinInterval, c.LeaseTTL)
}
