package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/match-archiver/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errUpstream = errors.New("502")

func newBreaker(c *clock, isFailure func(error) bool) *CircuitBreaker {
	cfg := DefaultConfig("osu-api")
	cfg.MaxFailures = 3
	cfg.Timeout = 10 * time.Second
	cfg.IsFailure = isFailure
	cfg.Logger = logging.NewNopLogger()
	cfg.Now = c.Now
	return NewCircuitBreaker(cfg)
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestHalfOpenRecovery(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.GetState())

	c.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	c.Advance(11 * time.Second)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestIgnoredErrorsDoNotOpen(t *testing.T) {
	notFound := errors.New("404")
	c := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(c, func(err error) bool { return !errors.Is(err, notFound) })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return notFound })
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().Failures)
}

func TestCancelledCallsNotCounted(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestReset(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	cb := newBreaker(c, nil)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}
