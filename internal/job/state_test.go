package job

import (
	"testing"
	"time"

	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	failedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 24 * time.Hour

	rec := func(status types.ProcessingStatus, processedAt *time.Time) *models.MatchRecord {
		return &models.MatchRecord{ID: 1, ProcessingStatus: status, ProcessedAt: processedAt}
	}

	tests := []struct {
		name    string
		rec     *models.MatchRecord
		now     time.Time
		action  Action
		message string
	}{
		{"absent", nil, failedAt, ActionEnqueue, MessageRequested},
		{"queued", rec(types.StatusQueued, nil), failedAt, ActionNone, MessageAlreadyQueued},
		{"done", rec(types.StatusDone, &failedAt), failedAt, ActionNone, MessageAlreadyDone},
		{"failed just now", rec(types.StatusFailed, &failedAt), failedAt, ActionNone, MessageRecentlyFailed},
		{"failed one second before cooldown", rec(types.StatusFailed, &failedAt), failedAt.Add(cooldown - time.Second), ActionNone, MessageRecentlyFailed},
		{"failed exactly at cooldown", rec(types.StatusFailed, &failedAt), failedAt.Add(cooldown), ActionNone, MessageRecentlyFailed},
		{"failed one second after cooldown", rec(types.StatusFailed, &failedAt), failedAt.Add(cooldown + time.Second), ActionRetry, MessageRetrying},
		{"failed without timestamp", rec(types.StatusFailed, nil), failedAt, ActionRetry, MessageRetrying},
		{"unknown status", rec(types.ProcessingStatus("archiving"), nil), failedAt, ActionNone, MessageAlreadyDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.rec, tt.now, cooldown)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.message, d.Message)
			assert.Equal(t, tt.action != ActionNone, d.Accepted())
		})
	}
}
