package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
)

// StatusStore is the part of the archive store the orchestrator needs
type StatusStore interface {
	GetMatchStatus(ctx context.Context, matchID int64) (*models.MatchRecord, error)
	CreateQueuedMatch(ctx context.Context, matchID int64, queuedAt time.Time) (bool, error)
	SetMatchStatus(ctx context.Context, matchID int64, status types.ProcessingStatus, processedAt *time.Time) error
}

// Enqueuer hands a match to the archive worker
type Enqueuer interface {
	Enqueue(ctx context.Context, matchID int64) (*Job, error)
}

// ArchiveResult is reported back for each requested match
type ArchiveResult struct {
	MatchID  int64  `json:"matchId"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
	JobID    string `json:"jobId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OrchestratorConfig configures an Orchestrator
type OrchestratorConfig struct {
	Store    StatusStore
	Queue    Enqueuer
	Cooldown time.Duration
	Logger   *logging.Logger
	Now      func() time.Time
}

// Orchestrator turns archival requests into queued jobs, at most one
// outstanding job per match under normal operation. Two identical requests
// racing between the status read and the queued-row insert are resolved by the
// insert: the loser reports the match as already queued.
type Orchestrator struct {
	store    StatusStore
	queue    Enqueuer
	cooldown time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("status store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}

	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultRetryCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		store:    cfg.Store,
		queue:    cfg.Queue,
		cooldown: cooldown,
		logger:   logger.WithComponent("orchestrator"),
		now:      now,
	}, nil
}

// RequestArchive applies the transition table to one match
func (o *Orchestrator) RequestArchive(ctx context.Context, matchID int64) (*ArchiveResult, error) {
	logger := o.logger.WithMatch(matchID)

	rec, err := o.store.GetMatchStatus(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("read status of match %d: %w", matchID, err)
	}

	now := o.now()
	decision := Decide(rec, now, o.cooldown)
	result := &ArchiveResult{MatchID: matchID, Message: decision.Message}

	switch decision.Action {
	case ActionEnqueue:
		created, err := o.store.CreateQueuedMatch(ctx, matchID, now)
		if err != nil {
			return nil, fmt.Errorf("queue match %d: %w", matchID, err)
		}
		if !created {
			result.Message = MessageAlreadyQueued
			logger.Info(result.Message)
			return result, nil
		}
	case ActionRetry:
		if err := o.store.SetMatchStatus(ctx, matchID, types.StatusQueued, &now); err != nil {
			return nil, fmt.Errorf("requeue match %d: %w", matchID, err)
		}
	default:
		logger.Info(result.Message)
		return result, nil
	}

	job, err := o.queue.Enqueue(ctx, matchID)
	if err != nil {
		// failed without a timestamp is retryable on the next request
		if serr := o.store.SetMatchStatus(ctx, matchID, types.StatusFailed, nil); serr != nil {
			logger.WithError(serr).Error("failed to record enqueue failure")
		}
		return nil, fmt.Errorf("enqueue match %d: %w", matchID, err)
	}

	result.Accepted = true
	result.JobID = job.ID
	logger.WithField("job_id", job.ID).Info(result.Message)
	return result, nil
}

// RequestArchiveBatch requests every id in order. A failure for one id is
// reported in its result and does not stop the others.
func (o *Orchestrator) RequestArchiveBatch(ctx context.Context, matchIDs []int64) []*ArchiveResult {
	results := make([]*ArchiveResult, 0, len(matchIDs))
	for _, id := range matchIDs {
		res, err := o.RequestArchive(ctx, id)
		if err != nil {
			o.logger.WithMatch(id).WithError(err).Error("archive request failed")
			res = &ArchiveResult{MatchID: id, Error: err.Error()}
		}
		results = append(results, res)
	}
	return results
}
