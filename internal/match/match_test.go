package match

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawEvent(t *testing.T, v any) types.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var e types.RawEvent
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func resultEvent(t *testing.T, id, gameID, beatmapID int64, scores ...map[string]any) types.RawEvent {
	return rawEvent(t, map[string]any{
		"id":        id,
		"timestamp": "2024-05-01T12:00:00Z",
		"detail":    map[string]any{"type": "other", "text": nil},
		"user_id":   nil,
		"game": map[string]any{
			"id":         gameID,
			"beatmap_id": beatmapID,
			"scores":     scores,
		},
	})
}

func disbandEvent(t *testing.T, id int64) types.RawEvent {
	return rawEvent(t, map[string]any{
		"id":        id,
		"timestamp": "2024-05-01T13:00:00Z",
		"detail":    map[string]any{"type": "match-disbanded"},
		"user_id":   nil,
	})
}

func joinEvent(t *testing.T, id, userID int64) types.RawEvent {
	return rawEvent(t, map[string]any{
		"id":        id,
		"timestamp": "2024-05-01T11:00:00Z",
		"detail":    map[string]any{"type": "player-joined"},
		"user_id":   userID,
	})
}

func score(userID, value int64, acc float64) map[string]any {
	return map[string]any{"user_id": userID, "score": value, "accuracy": acc}
}

func timeline(end *time.Time, users []types.User, events ...types.RawEvent) *types.MatchTimeline {
	start := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	return &types.MatchTimeline{
		Match:        types.MatchInfo{ID: 111, Name: "OWC: (A) vs (B)", StartTime: &start, EndTime: end},
		Events:       events,
		Users:        users,
		FirstEventID: 1,
	}
}

func TestIsFinished(t *testing.T) {
	end := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		end     *time.Time
		disband bool
		want    bool
	}{
		{"running", nil, false, false},
		{"ended", &end, false, true},
		{"disbanded without end", nil, true, true},
		{"ended and disbanded", &end, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := []types.RawEvent{joinEvent(t, 1, 5)}
			if tt.disband {
				events = append(events, disbandEvent(t, 2))
			}
			m, err := New(timeline(tt.end, nil, events...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.IsFinished())
		})
	}
}

func TestStrictPassDropsUnknownEvents(t *testing.T) {
	malformedGame := rawEvent(t, map[string]any{
		"id":     4,
		"detail": map[string]any{"type": "other"},
		"game":   map[string]any{"id": 9, "scores": []any{}},
	})

	m, err := New(timeline(nil, nil,
		joinEvent(t, 1, 7),
		resultEvent(t, 2, 100, 555, score(7, 1000, 98.5)),
		malformedGame,
		disbandEvent(t, 5),
	))
	require.NoError(t, err)

	events := m.Events()
	require.Len(t, events, 2)
	assert.IsType(t, ResultEvent{}, events[0])
	assert.IsType(t, DisbandedEvent{}, events[1])
}

func TestDuplicateEventsCollapsed(t *testing.T) {
	ev := resultEvent(t, 2, 100, 555, score(7, 1000, 98.5))
	m, err := New(timeline(nil, nil, ev, ev))
	require.NoError(t, err)

	assert.Len(t, m.Events(), 1)
	assert.Len(t, m.Scores(), 1)
}

func TestPlayersMergePrecedence(t *testing.T) {
	m, err := New(timeline(nil,
		[]types.User{{ID: 2, Username: "bob"}, {ID: 3, Username: "carol"}},
		resultEvent(t, 10, 100, 555, score(1, 500, 90), score(2, 600, 91)),
	))
	require.NoError(t, err)

	assert.Equal(t, []models.Player{
		{ID: 1, Name: "UNKNOWN"},
		{ID: 2, Name: "bob"},
		{ID: 3, Name: "carol"},
	}, m.Players())
}

func TestScoresAndMaps(t *testing.T) {
	m, err := New(timeline(nil, nil,
		resultEvent(t, 10, 100, 555, score(1, 500, 97.8339), score(2, 600, 100)),
		resultEvent(t, 11, 101, 777, score(1, 700, 80)),
		resultEvent(t, 12, 102, 555, score(2, 800, 85.5)),
	))
	require.NoError(t, err)

	scores := m.Scores()
	require.Len(t, scores, 4)
	assert.Equal(t, ScoreEntry{UserID: 1, Score: 500, Accuracy: 97.8339, MapID: 555, GameID: 100}, scores[0])
	assert.Equal(t, int64(102), scores[3].GameID)

	assert.Equal(t, []int64{555, 777, 555}, m.Maps())
	assert.Equal(t, []int64{555, 777}, m.UniqueMaps())

	rows := m.ScoreRows()
	assert.Equal(t, "97.83", rows[0].Accuracy)
	assert.Equal(t, "100.00", rows[1].Accuracy)
	assert.Equal(t, int64(111), rows[0].MatchID)
	assert.Equal(t, 0, rows[0].MaxCombo)
}

func TestEventsSortedByID(t *testing.T) {
	m, err := New(timeline(nil, nil,
		disbandEvent(t, 30),
		resultEvent(t, 10, 100, 555, score(1, 500, 90)),
	))
	require.NoError(t, err)

	events := m.Events()
	assert.Equal(t, int64(10), events[0].EventID())
	assert.Equal(t, int64(30), events[1].EventID())
}

func TestRecordCarriesValidatedPayload(t *testing.T) {
	end := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	m, err := New(timeline(&end, []types.User{{ID: 1, Username: "alice"}},
		joinEvent(t, 1, 1),
		resultEvent(t, 2, 100, 555, score(1, 500, 90)),
	))
	require.NoError(t, err)

	rec := m.Record()
	assert.Equal(t, int64(111), rec.ID)
	assert.Equal(t, "OWC: (A) vs (B)", rec.Name)
	assert.Equal(t, &end, rec.EndTime)

	var payload struct {
		Events []struct {
			ID int64 `json:"id"`
		} `json:"events"`
		Users []types.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.RawData, &payload))
	require.Len(t, payload.Events, 1)
	assert.Equal(t, int64(2), payload.Events[0].ID)
	assert.Equal(t, "alice", payload.Users[0].Username)
}

func TestNewNilTimeline(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
