package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/match-archiver/internal/logging"
)

// Scheduler runs functions under a Limiter, waiting for a permit first.
type Scheduler struct {
	limiter Limiter
	metrics *MetricsCollector
	logger  *logging.Logger
}

// NewScheduler wraps a limiter.
func NewScheduler(limiter Limiter, logger *logging.Logger) (*Scheduler, error) {
	if limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		limiter: limiter,
		metrics: NewMetricsCollector(),
		logger:  logger.WithComponent("ratelimit"),
	}, nil
}

// Schedule blocks until a permit is granted, then runs fn and releases the
// permit. Limiter errors are returned without running fn.
func (s *Scheduler) Schedule(ctx context.Context, fn func(ctx context.Context) error) error {
	permit, err := s.acquire(ctx)
	if err != nil {
		return err
	}

	defer s.release(ctx, permit)

	err = fn(ctx)
	s.metrics.RecordDispatch(err)
	return err
}

func (s *Scheduler) acquire(ctx context.Context) (*Permit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		permit, wait, err := s.limiter.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if permit != nil {
			return permit, nil
		}

		s.metrics.RecordThrottle(wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// release runs on a detached context so a cancelled caller still frees the lease.
func (s *Scheduler) release(ctx context.Context, permit *Permit) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultReleaseTimeout)
	defer cancel()

	if err := s.limiter.Release(releaseCtx, permit); err != nil {
		s.logger.WithError(err).Warn("failed to release rate limit permit, lease will expire")
	}
}

// Metrics returns the scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics.Snapshot()
}
