// Package worker consumes archive jobs and writes matches to storage.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/job"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/match"
	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
	"golang.org/x/time/rate"
)

const (
	// DefaultJobInterval is the minimum spacing between job starts
	DefaultJobInterval = 10 * time.Second
	// DefaultDequeueTimeout is how long one dequeue blocks
	DefaultDequeueTimeout = 5 * time.Second
	// DefaultHeartbeatInterval keeps a 30s consumer claim alive with margin
	DefaultHeartbeatInterval = 10 * time.Second

	statusWriteTimeout = 5 * time.Second
	stopTimeout        = 30 * time.Second
)

// MatchSource fetches timelines and beatmaps from upstream
type MatchSource interface {
	FetchFullMatch(ctx context.Context, matchID int64) (*types.MatchTimeline, error)
	GetBeatmap(ctx context.Context, mapID int64) (*models.Map, error)
}

// ArchiveStore is the persistence the worker writes through
type ArchiveStore interface {
	GetMatchStatus(ctx context.Context, matchID int64) (*models.MatchRecord, error)
	SetMatchStatus(ctx context.Context, matchID int64, status types.ProcessingStatus, processedAt *time.Time) error
	UpsertPlayers(ctx context.Context, players []models.Player) error
	UpsertMaps(ctx context.Context, maps []models.Map) error
	ArchiveMatch(ctx context.Context, rec *models.MatchRecord, scores []models.Score) error
}

// ScoreMirror receives a copy of archived scores. Failures are logged only.
type ScoreMirror interface {
	MirrorScores(ctx context.Context, rec *models.MatchRecord, scores []models.Score) error
}

// JobSource delivers jobs at least once
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*job.Job, error)
	Ack(ctx context.Context, j *job.Job) error
}

// Heartbeater is implemented by job sources that track consumer liveness.
// The worker beats while it runs, reclaims jobs of expired peers, and retires
// on stop so its unacknowledged job is redelivered promptly.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
	RecoverOrphaned(ctx context.Context) (int, error)
	Retire(ctx context.Context) error
}

// ArchiveWorkerConfig holds configuration for an archive worker
type ArchiveWorkerConfig struct {
	Source         MatchSource
	Store          ArchiveStore
	Queue          JobSource
	Mirror         ScoreMirror // optional
	JobInterval    time.Duration
	DequeueTimeout time.Duration
	// HeartbeatInterval applies when Queue implements Heartbeater
	HeartbeatInterval time.Duration
	Logger            *logging.Logger
	Now               func() time.Time
}

// ArchiveWorker processes one job at a time, starting at most one job per JobInterval
type ArchiveWorker struct {
	source         MatchSource
	store          ArchiveStore
	queue          JobSource
	mirror         ScoreMirror
	jobLimiter     *rate.Limiter
	jobInterval    time.Duration
	dequeueTimeout time.Duration
	heartbeatEvery time.Duration
	logger         *logging.Logger
	now            func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	jobsDone    atomic.Int64
	jobsFailed  atomic.Int64
	jobsSkipped atomic.Int64
	lastJobAt   atomic.Pointer[time.Time]
}

// WorkerStatus is a snapshot of worker counters
type WorkerStatus struct {
	Running     bool       `json:"running"`
	JobsDone    int64      `json:"jobsDone"`
	JobsFailed  int64      `json:"jobsFailed"`
	JobsSkipped int64      `json:"jobsSkipped"`
	LastJobAt   *time.Time `json:"lastJobAt,omitempty"`
}

// NewArchiveWorker creates a new archive worker
func NewArchiveWorker(cfg *ArchiveWorkerConfig) (*ArchiveWorker, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("match source cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("archive store cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue cannot be nil")
	}

	interval := cfg.JobInterval
	if interval <= 0 {
		interval = DefaultJobInterval
	}
	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = DefaultDequeueTimeout
	}
	heartbeatEvery := cfg.HeartbeatInterval
	if heartbeatEvery <= 0 {
		heartbeatEvery = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &ArchiveWorker{
		source:         cfg.Source,
		store:          cfg.Store,
		queue:          cfg.Queue,
		mirror:         cfg.Mirror,
		jobLimiter:     rate.NewLimiter(rate.Every(interval), 1),
		jobInterval:    interval,
		dequeueTimeout: dequeueTimeout,
		heartbeatEvery: heartbeatEvery,
		logger:         logger.WithComponent("archive_worker"),
		now:            now,
	}, nil
}

// Start launches the consume loop
func (w *ArchiveWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("archive worker is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.doneCh = make(chan struct{})

	w.logger.WithField("job_interval", w.jobInterval.String()).Info("starting archive worker")
	go w.loop(loopCtx, w.doneCh)
	return nil
}

// Stop cancels the loop and waits for the current job to finish
func (w *ArchiveWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive worker is not running")
	}
	cancel, done := w.cancel, w.doneCh
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
		w.logger.Info("archive worker stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stopTimeout):
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// GetStatus returns the worker counters
func (w *ArchiveWorker) GetStatus() *WorkerStatus {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	return &WorkerStatus{
		Running:     running,
		JobsDone:    w.jobsDone.Load(),
		JobsFailed:  w.jobsFailed.Load(),
		JobsSkipped: w.jobsSkipped.Load(),
		LastJobAt:   w.lastJobAt.Load(),
	}
}

func (w *ArchiveWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if hb, ok := w.queue.(Heartbeater); ok {
		hbDone := make(chan struct{})
		go w.heartbeatLoop(ctx, hb, hbDone)
		defer w.retire(ctx, hb, hbDone)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		j, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).Warn("dequeue failed")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if j == nil {
			continue
		}

		// the job stays in the processing list while waiting, so a crash here is recoverable
		if err := w.jobLimiter.Wait(ctx); err != nil {
			return
		}

		w.ProcessJob(ctx, j)
	}
}

// heartbeatLoop keeps this consumer's claim alive and requeues jobs of expired peers
func (w *ArchiveWorker) heartbeatLoop(ctx context.Context, hb Heartbeater, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := hb.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).Warn("heartbeat failed")
			continue
		}
		n, err := hb.RecoverOrphaned(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Warn("orphaned job recovery failed")
		}
		if n > 0 {
			w.logger.WithField("jobs", n).Warn("requeued jobs of an expired worker")
		}
	}
}

// retire runs once the consume loop has exited
func (w *ArchiveWorker) retire(ctx context.Context, hb Heartbeater, hbDone chan struct{}) {
	<-hbDone
	retireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := hb.Retire(retireCtx); err != nil {
		w.logger.WithError(err).Warn("failed to retire consumer heartbeat")
	}
}

// ProcessJob runs one job to completion and acknowledges it. A job interrupted
// by shutdown is left unacknowledged for redelivery.
func (w *ArchiveWorker) ProcessJob(ctx context.Context, j *job.Job) {
	logger := w.logger.WithMatch(j.MatchID).WithField("job_id", j.ID)
	started := w.now()
	w.lastJobAt.Store(&started)

	skipped, err := w.runSafely(ctx, j.MatchID)
	switch {
	case err != nil && ctx.Err() != nil:
		logger.WithError(err).Warn("job interrupted by shutdown, leaving it for redelivery")
		return
	case err != nil:
		w.jobsFailed.Add(1)
		logger.WithError(err).Error("archive job failed")
		failedAt := w.now()
		if serr := w.writeStatus(ctx, j.MatchID, types.StatusFailed, &failedAt); serr != nil {
			logger.WithError(serr).Error("failed to record failed status")
		}
	case skipped:
		w.jobsSkipped.Add(1)
		logger.Info("match already archived, skipping")
	default:
		w.jobsDone.Add(1)
		logger.WithField("duration_ms", w.now().Sub(started).Milliseconds()).Info("match archived")
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := w.queue.Ack(ackCtx, j); err != nil {
		logger.WithError(err).Error("failed to acknowledge job")
	}
}

// runSafely converts a panic inside the job into an error
func (w *ArchiveWorker) runSafely(ctx context.Context, matchID int64) (skipped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError("archive job panicked", fmt.Errorf("%v", r))
		}
	}()
	return w.archive(ctx, matchID)
}

// archive writes players, then maps, then the match with its scores, then the done status
func (w *ArchiveWorker) archive(ctx context.Context, matchID int64) (bool, error) {
	rec, err := w.store.GetMatchStatus(ctx, matchID)
	if err != nil {
		return false, fmt.Errorf("read status: %w", err)
	}
	if rec != nil && rec.ProcessingStatus == types.StatusDone {
		return true, nil
	}

	timeline, err := w.source.FetchFullMatch(ctx, matchID)
	if err != nil {
		return false, err
	}

	m, err := match.New(timeline)
	if err != nil {
		return false, apperrors.NewInvalidPayloadError("match timeline", err)
	}
	if !m.IsFinished() {
		return false, apperrors.NewMatchNotFinishedError(matchID)
	}

	if err := w.store.UpsertPlayers(ctx, m.Players()); err != nil {
		return false, fmt.Errorf("write players: %w", err)
	}

	maps, err := w.resolveMaps(ctx, m.UniqueMaps())
	if err != nil {
		return false, err
	}
	if err := w.store.UpsertMaps(ctx, maps); err != nil {
		return false, fmt.Errorf("write maps: %w", err)
	}

	record := m.Record()
	scores := m.ScoreRows()
	if err := w.store.ArchiveMatch(ctx, record, scores); err != nil {
		if !apperrors.IsConflict(err) {
			return false, fmt.Errorf("write match: %w", err)
		}
		// content and scores commit together, so a conflict means an earlier
		// delivery archived the match and only its done status is missing
		w.logger.WithMatch(matchID).Info("match content already archived, marking done")
		doneAt := w.now()
		if err := w.writeStatus(ctx, matchID, types.StatusDone, &doneAt); err != nil {
			return false, fmt.Errorf("write done status: %w", err)
		}
		return true, nil
	}

	if w.mirror != nil {
		if err := w.mirror.MirrorScores(ctx, record, scores); err != nil {
			w.logger.WithMatch(matchID).WithError(err).Warn("score mirror write failed")
		}
	}

	doneAt := w.now()
	if err := w.writeStatus(ctx, matchID, types.StatusDone, &doneAt); err != nil {
		return false, fmt.Errorf("write done status: %w", err)
	}
	return false, nil
}

// resolveMaps looks up each beatmap. A beatmap the upstream no longer has is
// stored as a placeholder; any other lookup error fails the job.
func (w *ArchiveWorker) resolveMaps(ctx context.Context, ids []int64) ([]models.Map, error) {
	maps := make([]models.Map, 0, len(ids))
	for _, id := range ids {
		bm, err := w.source.GetBeatmap(ctx, id)
		if err != nil {
			if apperrors.IsNotFound(err) {
				w.logger.WithField("map_id", id).Debug("beatmap not found, storing placeholder")
				maps = append(maps, *models.DeletedMap(id))
				continue
			}
			return nil, fmt.Errorf("resolve beatmap %d: %w", id, err)
		}
		maps = append(maps, *bm)
	}
	return maps, nil
}

// writeStatus survives cancellation of the job context so the outcome is always recorded
func (w *ArchiveWorker) writeStatus(ctx context.Context, matchID int64, status types.ProcessingStatus, at *time.Time) error {
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	return w.store.SetMatchStatus(statusCtx, matchID, status, at)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var (
	_ JobSource   = (*job.RedisQueue)(nil)
	_ Heartbeater = (*job.RedisQueue)(nil)
)
