package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/match-archiver/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Redis key layout for the shared limiter.
const (
	KeyPrefix      = "ratelimit:"
	KeySuffixLease = ":inflight"
	KeySuffixLast  = ":last"
)

// acquireScript checks the in-flight lease and the last dispatch time, and
// takes both in one step.
//
// KEYS[1] lease key, KEYS[2] last dispatch key
// ARGV: token, now ms, min interval ms, lease ttl ms, poll ms
// Returns {1, 0} on grant, {0, wait ms} otherwise.
var acquireScript = redis.NewScript(`
	local leaseKey = KEYS[1]
	local lastKey = KEYS[2]
	local token = ARGV[1]
	local now = tonumber(ARGV[2])
	local minInterval = tonumber(ARGV[3])
	local leaseTTL = tonumber(ARGV[4])
	local poll = tonumber(ARGV[5])

	if redis.call('EXISTS', leaseKey) == 1 then
		local ttl = redis.call('PTTL', leaseKey)
		if ttl < 0 or ttl > poll then
			ttl = poll
		end
		return {0, ttl}
	end

	local last = tonumber(redis.call('GET', lastKey) or '0')
	if last > 0 and now - last < minInterval then
		return {0, minInterval - (now - last)}
	end

	redis.call('SET', leaseKey, token, 'PX', leaseTTL)
	redis.call('SET', lastKey, now, 'PX', minInterval * 2 + 1000)
	return {1, 0}
`)

// releaseScript deletes the lease only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLimiter coordinates dispatches across processes through Redis.
// Any Redis failure denies the dispatch.
type RedisLimiter struct {
	redis    redis.Cmdable
	cfg      Config
	leaseKey string
	lastKey  string
}

// NewRedisLimiter creates a shared limiter.
func NewRedisLimiter(client redis.Cmdable, cfg Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = cfg.withDefaults()

	return &RedisLimiter{
		redis:    client,
		cfg:      cfg,
		leaseKey: KeyPrefix + cfg.ID + KeySuffixLease,
		lastKey:  KeyPrefix + cfg.ID + KeySuffixLast,
	}, nil
}

// TryAcquire implements Limiter.
func (l *RedisLimiter) TryAcquire(ctx context.Context) (*Permit, time.Duration, error) {
	now := l.cfg.Now()
	token := uuid.NewString()

	result, err := acquireScript.Run(ctx, l.redis, []string{l.leaseKey, l.lastKey},
		token,
		now.UnixMilli(),
		l.cfg.MinInterval.Milliseconds(),
		l.cfg.LeaseTTL.Milliseconds(),
		l.cfg.PollInterval.Milliseconds(),
	).Int64Slice()
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, apperrors.NewCoordinationUnavailableError("rate limit acquire", err)
	}
	if len(result) != 2 {
		return nil, 0, apperrors.NewCoordinationUnavailableError("rate limit acquire",
			fmt.Errorf("unexpected script result %v", result))
	}

	if result[0] == 1 {
		return &Permit{Token: token, AcquiredAt: now}, 0, nil
	}

	wait := time.Duration(result[1]) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return nil, wait, nil
}

// Release implements Limiter.
func (l *RedisLimiter) Release(ctx context.Context, p *Permit) error {
	if p == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.redis, []string{l.leaseKey}, p.Token).Err(); err != nil {
		return apperrors.NewCoordinationUnavailableError("rate limit release", err)
	}
	return nil
}

// Config returns the effective configuration.
func (l *RedisLimiter) Config() Config {
	return l.cfg
}
