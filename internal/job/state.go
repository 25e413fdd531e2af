// Package job decides and queues match archival requests.
package job

import (
	"time"

	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
)

// DefaultRetryCooldown is how long a failed match waits before it may be retried
const DefaultRetryCooldown = 24 * time.Hour

// Action is what the orchestrator does for a request
type Action string

const (
	// ActionEnqueue creates a queued row and enqueues the match
	ActionEnqueue Action = "enqueue"
	// ActionRetry resets a failed match to queued and enqueues it
	ActionRetry Action = "retry"
	// ActionNone leaves the match untouched
	ActionNone Action = "none"
)

// Status messages reported to the requester
const (
	MessageRequested      = "Archiving for match requested"
	MessageAlreadyQueued  = "Match already queued"
	MessageAlreadyDone    = "Match already crawled"
	MessageRecentlyFailed = "Match failed recently, not retrying"
	MessageRetrying       = "Retrying match"
)

// Decision is the outcome of the transition table for one request
type Decision struct {
	Action  Action
	Message string
}

// Accepted reports whether the decision results in work being enqueued
func (d Decision) Accepted() bool {
	return d.Action == ActionEnqueue || d.Action == ActionRetry
}

// Decide maps the current match row to an action.
//
//	absent                          -> enqueue
//	queued                          -> none (already queued)
//	done                            -> none (already crawled)
//	failed, now-processedAt <= cd   -> none (failed recently)
//	failed, now-processedAt > cd    -> retry
//	failed, processedAt unknown     -> retry
//	any other status                -> none (already crawled)
func Decide(rec *models.MatchRecord, now time.Time, cooldown time.Duration) Decision {
	if rec == nil {
		return Decision{Action: ActionEnqueue, Message: MessageRequested}
	}

	switch rec.ProcessingStatus {
	case types.StatusQueued:
		return Decision{Action: ActionNone, Message: MessageAlreadyQueued}
	case types.StatusDone:
		return Decision{Action: ActionNone, Message: MessageAlreadyDone}
	case types.StatusFailed:
		if rec.ProcessedAt != nil && now.Sub(*rec.ProcessedAt) <= cooldown {
			return Decision{Action: ActionNone, Message: MessageRecentlyFailed}
		}
		return Decision{Action: ActionRetry, Message: MessageRetrying}
	default:
		return Decision{Action: ActionNone, Message: MessageAlreadyDone}
	}
}
