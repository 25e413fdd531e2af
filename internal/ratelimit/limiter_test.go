package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

// limiterContract runs the shared policy checks against any Limiter.
func limiterContract(t *testing.T, l Limiter, clock *fakeClock) {
	ctx := context.Background()

	t.Run("first acquire granted", func(t *testing.T) {
		p, wait, err := l.TryAcquire(ctx)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Zero(t, wait)

		t.Run("second denied while in flight", func(t *testing.T) {
			clock.Advance(5 * time.Second)
			p2, wait2, err := l.TryAcquire(ctx)
			require.NoError(t, err)
			assert.Nil(t, p2)
			assert.Greater(t, wait2, time.Duration(0))
		})

		require.NoError(t, l.Release(ctx, p))
	})

	t.Run("interval enforced after release", func(t *testing.T) {
		p, _, err := l.TryAcquire(ctx)
		require.NoError(t, err)
		require.NotNil(t, p)
		require.NoError(t, l.Release(ctx, p))

		clock.Advance(400 * time.Millisecond)
		p2, wait, err := l.TryAcquire(ctx)
		require.NoError(t, err)
		assert.Nil(t, p2)
		assert.InDelta(t, float64(600*time.Millisecond), float64(wait), float64(10*time.Millisecond))

		clock.Advance(600 * time.Millisecond)
		p3, _, err := l.TryAcquire(ctx)
		require.NoError(t, err)
		require.NotNil(t, p3)
		require.NoError(t, l.Release(ctx, p3))
	})

	t.Run("release of nil permit is a no-op", func(t *testing.T) {
		assert.NoError(t, l.Release(ctx, nil))
	})
}

func TestRedisLimiter(t *testing.T) {
	_, client := setupMiniredis(t)
	clock := newFakeClock()

	l, err := NewRedisLimiter(client, Config{MinInterval: time.Second, Now: clock.Now})
	require.NoError(t, err)

	limiterContract(t, l, clock)
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	_, client := setupMiniredis(t)
	clock := newFakeClock()
	ctx := context.Background()

	a, err := NewRedisLimiter(client, Config{ID: "shared", Now: clock.Now})
	require.NoError(t, err)
	b, err := NewRedisLimiter(client, Config{ID: "shared", Now: clock.Now})
	require.NoError(t, err)
	other, err := NewRedisLimiter(client, Config{ID: "other", Now: clock.Now})
	require.NoError(t, err)

	p, _, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)

	pb, _, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, pb, "second process must wait for the shared lease")

	po, _, err := other.TryAcquire(ctx)
	require.NoError(t, err)
	assert.NotNil(t, po, "different limiter ids do not share budget")

	// b cannot release a's lease
	require.NoError(t, b.Release(ctx, &Permit{Token: "not-a's-token"}))
	exists, err := client.Exists(ctx, "ratelimit:shared:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	require.NoError(t, a.Release(ctx, p))
	exists, err = client.Exists(ctx, "ratelimit:shared:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestRedisLimiterLeaseExpires(t *testing.T) {
	mr, client := setupMiniredis(t)
	clock := newFakeClock()
	ctx := context.Background()

	l, err := NewRedisLimiter(client, Config{LeaseTTL: 10 * time.Second, Now: clock.Now})
	require.NoError(t, err)

	p, _, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)

	// holder crashed without releasing
	mr.FastForward(11 * time.Second)
	clock.Advance(11 * time.Second)

	p2, _, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.NotNil(t, p2)
}

func TestRedisLimiterFailsClosed(t *testing.T) {
	mr, client := setupMiniredis(t)
	l, err := NewRedisLimiter(client, Config{})
	require.NoError(t, err)

	mr.Close()

	p, _, err := l.TryAcquire(context.Background())
	assert.Nil(t, p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCoordinationUnavailable(err))
}

func TestNewRedisLimiterValidation(t *testing.T) {
	_, err := NewRedisLimiter(nil, Config{})
	assert.EqualError(t, err, "redis client is required")

	_, client := setupMiniredis(t)
	_, err = NewRedisLimiter(client, Config{MinInterval: time.Minute, LeaseTTL: time.Second})
	assert.Error(t, err)
}

func TestLocalLimiter(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLocalLimiter(Config{MinInterval: time.Second, Now: clock.Now})
	require.NoError(t, err)

	limiterContract(t, l, clock)
}

func TestSchedulerSerializesAndSpaces(t *testing.T) {
	l, err := NewLocalLimiter(Config{MinInterval: 20 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	s, err := NewScheduler(l, logging.NewNopLogger())
	require.NoError(t, err)

	var (
		inflight    atomic.Int32
		maxInflight atomic.Int32
		mu          sync.Mutex
		starts      []time.Time
		wg          sync.WaitGroup
	)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Schedule(context.Background(), func(ctx context.Context) error {
				n := inflight.Add(1)
				for {
					m := maxInflight.Load()
					if n <= m || maxInflight.CompareAndSwap(m, n) {
						break
					}
				}
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				inflight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInflight.Load())
	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, 18*time.Millisecond, "dispatch %d too close to previous", i)
	}

	m := s.Metrics()
	assert.Equal(t, int64(4), m.Dispatched)
	assert.Greater(t, m.ThrottleCount, int64(0))
}

func TestSchedulerPropagatesLimiterError(t *testing.T) {
	mr, client := setupMiniredis(t)
	l, err := NewRedisLimiter(client, Config{})
	require.NoError(t, err)
	s, err := NewScheduler(l, logging.NewNopLogger())
	require.NoError(t, err)

	mr.Close()

	called := false
	err = s.Schedule(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called, "no dispatch without coordination")
}

func TestSchedulerHonoursCancellation(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLocalLimiter(Config{MinInterval: time.Hour, Now: clock.Now})
	require.NoError(t, err)
	s, err := NewScheduler(l, logging.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, s.Schedule(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Schedule(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
