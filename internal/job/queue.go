package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/match-archiver/internal/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list used when no name is configured
const DefaultQueueName = "match-archive"

// Job is one queued archival request
type Job struct {
	ID         string    `json:"id"`
	MatchID    int64     `json:"matchId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// payload is the exact list element, needed to remove it on ack
	payload string
}

// DefaultHeartbeatTTL is how long a consumer keeps its claim on in-flight jobs
// after its last heartbeat
const DefaultHeartbeatTTL = 30 * time.Second

// RedisQueue is an at-least-once job queue on Redis lists. Dequeue moves a job
// atomically from the shared pending list to this consumer's own processing
// list; Ack removes it from there. Each consumer keeps a heartbeat key alive
// while it runs. Jobs held by a consumer whose heartbeat has expired are
// returned to the pending list by RecoverOrphaned.
type RedisQueue struct {
	client       redis.Cmdable
	prefix       string
	pending      string
	consumers    string
	consumerID   string
	processing   string
	heartbeat    string
	heartbeatTTL time.Duration
	now          func() time.Time
}

// QueueOption customizes a RedisQueue
type QueueOption func(*RedisQueue)

// WithConsumerID names this consumer. A stable id lets a restarted process
// reclaim its own in-flight jobs at once. Default: a random id.
func WithConsumerID(id string) QueueOption {
	return func(q *RedisQueue) {
		if id != "" {
			q.consumerID = id
		}
	}
}

// WithHeartbeatTTL sets how long the consumer's claim outlives its last heartbeat
func WithHeartbeatTTL(ttl time.Duration) QueueOption {
	return func(q *RedisQueue) {
		if ttl > 0 {
			q.heartbeatTTL = ttl
		}
	}
}

// NewRedisQueue creates a queue under the given name
func NewRedisQueue(client redis.Cmdable, name string, opts ...QueueOption) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}
	prefix := fmt.Sprintf("queue:%s", name)
	q := &RedisQueue{
		client:       client,
		prefix:       prefix,
		pending:      prefix + ":pending",
		consumers:    prefix + ":consumers",
		consumerID:   uuid.NewString(),
		heartbeatTTL: DefaultHeartbeatTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.processing = q.processingKey(q.consumerID)
	q.heartbeat = q.heartbeatKey(q.consumerID)
	return q
}

// ConsumerID returns the id owning this queue's processing list
func (q *RedisQueue) ConsumerID() string {
	return q.consumerID
}

// HeartbeatTTL returns the claim lifetime of one heartbeat
func (q *RedisQueue) HeartbeatTTL() time.Duration {
	return q.heartbeatTTL
}

func (q *RedisQueue) processingKey(consumerID string) string {
	return fmt.Sprintf("%s:processing:%s", q.prefix, consumerID)
}

func (q *RedisQueue) heartbeatKey(consumerID string) string {
	return fmt.Sprintf("%s:consumer:%s", q.prefix, consumerID)
}

// Enqueue pushes a job for the match
func (q *RedisQueue) Enqueue(ctx context.Context, matchID int64) (*Job, error) {
	job := &Job{
		ID:         uuid.NewString(),
		MatchID:    matchID,
		EnqueuedAt: q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	job.payload = string(data)

	if err := q.client.LPush(ctx, q.pending, job.payload).Err(); err != nil {
		return nil, apperrors.NewCoordinationUnavailableError("enqueue", err)
	}
	return job, nil
}

// Dequeue blocks up to timeout for the next job. It returns nil, nil when the
// timeout passes with nothing queued.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	// register before anything lands in the processing list
	if err := q.Heartbeat(ctx); err != nil {
		return nil, err
	}

	payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewCoordinationUnavailableError("dequeue", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// drop poison entries so they are not redelivered forever
		_ = q.client.LRem(ctx, q.processing, 1, payload).Err()
		return nil, apperrors.NewInvalidPayloadError("queued job", err)
	}
	job.payload = payload
	return &job, nil
}

// Ack removes a finished job from the processing list
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if job == nil || job.payload == "" {
		return apperrors.NewInvalidParameterError("job", "job was not dequeued from this queue")
	}
	if err := q.client.LRem(ctx, q.processing, 1, job.payload).Err(); err != nil {
		return apperrors.NewCoordinationUnavailableError("ack", err)
	}
	return nil
}

// Heartbeat renews this consumer's claim on its in-flight jobs
func (q *RedisQueue) Heartbeat(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.heartbeat, q.now().UTC().Format(time.RFC3339), q.heartbeatTTL)
		pipe.SAdd(ctx, q.consumers, q.consumerID)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewCoordinationUnavailableError("heartbeat", err)
	}
	return nil
}

// Retire drops the heartbeat so peers reclaim any job this consumer left
// unacknowledged without waiting for the TTL
func (q *RedisQueue) Retire(ctx context.Context) error {
	if err := q.client.Del(ctx, q.heartbeat).Err(); err != nil {
		return apperrors.NewCoordinationUnavailableError("retire consumer", err)
	}
	return nil
}

// RecoverInFlight returns this consumer's own unacknowledged jobs and those of
// expired peers to the pending list. Call it before this consumer starts
// dequeuing; jobs held by live peers are left alone.
func (q *RedisQueue) RecoverInFlight(ctx context.Context) (int, error) {
	if err := q.Heartbeat(ctx); err != nil {
		return 0, err
	}
	own, err := q.drain(ctx, q.processing)
	if err != nil {
		return own, err
	}
	orphaned, err := q.RecoverOrphaned(ctx)
	return own + orphaned, err
}

// RecoverOrphaned requeues the jobs of every other consumer whose heartbeat
// has expired and forgets those consumers. It returns how many jobs moved.
func (q *RedisQueue) RecoverOrphaned(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return 0, apperrors.NewCoordinationUnavailableError("list consumers", err)
	}

	moved := 0
	for _, id := range ids {
		if id == q.consumerID {
			continue
		}
		alive, err := q.client.Exists(ctx, q.heartbeatKey(id)).Result()
		if err != nil {
			return moved, apperrors.NewCoordinationUnavailableError("check consumer heartbeat", err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, q.processingKey(id))
		moved += n
		if err != nil {
			return moved, err
		}
		// a consumer that was only slow re-registers on its next heartbeat
		if err := q.client.SRem(ctx, q.consumers, id).Err(); err != nil {
			return moved, apperrors.NewCoordinationUnavailableError("forget consumer", err)
		}
	}
	return moved, nil
}

func (q *RedisQueue) drain(ctx context.Context, processing string) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, apperrors.NewCoordinationUnavailableError("recover in-flight jobs", err)
		}
		moved++
	}
}

// Len returns the number of pending jobs
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, apperrors.NewCoordinationUnavailableError("queue length", err)
	}
	return n, nil
}
