package ratelimit

import (
	"context"
	"time"
)

// Permit is a granted dispatch slot. It must be released once the request completes.
type Permit struct {
	Token      string
	AcquiredAt time.Time
}

// Limiter grants at most one in-flight request and spaces dispatches by
// a minimum interval.
//
// TryAcquire returns a permit, or a nil permit and a suggested wait. An error
// means the limiter could not decide and the caller must not dispatch.
type Limiter interface {
	TryAcquire(ctx context.Context) (*Permit, time.Duration, error)
	Release(ctx context.Context, p *Permit) error
}
