package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// LocalLimiter enforces the same policy as RedisLimiter inside one process.
type LocalLimiter struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight string
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(cfg Config) (*LocalLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = cfg.withDefaults()

	return &LocalLimiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
	}, nil
}

// TryAcquire implements Limiter.
func (l *LocalLimiter) TryAcquire(ctx context.Context) (*Permit, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inflight != "" {
		return nil, l.cfg.PollInterval, nil
	}

	now := l.cfg.Now()
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, l.cfg.MinInterval, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, delay, nil
	}

	l.inflight = uuid.NewString()
	return &Permit{Token: l.inflight, AcquiredAt: now}, 0, nil
}

// Release implements Limiter.
func (l *LocalLimiter) Release(_ context.Context, p *Permit) error {
	if p == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == p.Token {
		l.inflight = ""
	}
	return nil
}
