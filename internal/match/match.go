// Package match validates an assembled match timeline and derives the
// players, scores and maps that get archived.
package match

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
)

// Event is either a ResultEvent or a DisbandedEvent
type Event interface {
	EventID() int64
	EventTime() time.Time
}

// ResultEvent is a finished game with its scores
type ResultEvent struct {
	ID        int64
	Timestamp time.Time
	Game      types.Game
}

// EventID implements Event
func (e ResultEvent) EventID() int64 { return e.ID }

// EventTime implements Event
func (e ResultEvent) EventTime() time.Time { return e.Timestamp }

// DisbandedEvent marks the lobby being closed
type DisbandedEvent struct {
	ID        int64
	Timestamp time.Time
}

// EventID implements Event
func (e DisbandedEvent) EventID() int64 { return e.ID }

// EventTime implements Event
func (e DisbandedEvent) EventTime() time.Time { return e.Timestamp }

// ScoreEntry is one player's score in one game
type ScoreEntry struct {
	UserID   int64
	Score    int64
	Accuracy float64
	MapID    int64
	GameID   int64
}

// Match is the validated, read-only view of a timeline
type Match struct {
	info     types.MatchInfo
	events   []Event
	users    []types.User
	rawData  json.RawMessage
	disband  bool
	firstID  int64
	latestID int64
}

// New runs the strict pass over a permissively decoded timeline.
// Events that are neither a result nor a disband are dropped, as are
// duplicate ids (first occurrence wins).
func New(timeline *types.MatchTimeline) (*Match, error) {
	if timeline == nil {
		return nil, fmt.Errorf("nil timeline")
	}

	m := &Match{
		info:     timeline.Match,
		users:    timeline.Users,
		firstID:  timeline.FirstEventID,
		latestID: timeline.LatestEventID,
	}

	seen := make(map[int64]struct{}, len(timeline.Events))
	for _, raw := range timeline.Events {
		if _, dup := seen[raw.ID]; dup {
			continue
		}
		seen[raw.ID] = struct{}{}

		ev, ok := parseEvent(raw)
		if !ok {
			continue
		}
		if _, isDisband := ev.(DisbandedEvent); isDisband {
			m.disband = true
		}
		m.events = append(m.events, ev)
	}

	sort.SliceStable(m.events, func(i, j int) bool {
		return m.events[i].EventID() < m.events[j].EventID()
	})

	raw, err := m.marshalValidated()
	if err != nil {
		return nil, fmt.Errorf("encode match %d: %w", m.info.ID, err)
	}
	m.rawData = raw

	return m, nil
}

func parseEvent(raw types.RawEvent) (Event, bool) {
	var se types.StrictEvent
	if err := json.Unmarshal(raw.Raw, &se); err != nil {
		return nil, false
	}

	switch se.Detail.Type {
	case types.EventTypeOther:
		if se.Game == nil || se.Game.BeatmapID == 0 {
			return nil, false
		}
		for _, s := range se.Game.Scores {
			if s.UserID == 0 {
				return nil, false
			}
		}
		return ResultEvent{ID: raw.ID, Timestamp: se.Timestamp, Game: *se.Game}, true
	case types.EventTypeDisbanded:
		return DisbandedEvent{ID: raw.ID, Timestamp: se.Timestamp}, true
	default:
		return nil, false
	}
}

// validatedPayload is what gets stored in raw_data
type validatedPayload struct {
	Match         types.MatchInfo `json:"match"`
	Events        []any           `json:"events"`
	Users         []types.User    `json:"users"`
	FirstEventID  int64           `json:"first_event_id"`
	LatestEventID int64           `json:"latest_event_id"`
}

type resultEventJSON struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    types.EventDetail `json:"detail"`
	Game      types.Game        `json:"game"`
}

type disbandedEventJSON struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    types.EventDetail `json:"detail"`
}

func (m *Match) marshalValidated() (json.RawMessage, error) {
	payload := validatedPayload{
		Match:         m.info,
		Events:        make([]any, 0, len(m.events)),
		Users:         m.users,
		FirstEventID:  m.firstID,
		LatestEventID: m.latestID,
	}
	if payload.Users == nil {
		payload.Users = []types.User{}
	}

	for _, ev := range m.events {
		switch e := ev.(type) {
		case ResultEvent:
			payload.Events = append(payload.Events, resultEventJSON{
				ID: e.ID, Timestamp: e.Timestamp,
				Detail: types.EventDetail{Type: types.EventTypeOther},
				Game:   e.Game,
			})
		case DisbandedEvent:
			payload.Events = append(payload.Events, disbandedEventJSON{
				ID: e.ID, Timestamp: e.Timestamp,
				Detail: types.EventDetail{Type: types.EventTypeDisbanded},
			})
		}
	}

	return json.Marshal(payload)
}

// ID returns the upstream match id
func (m *Match) ID() int64 { return m.info.ID }

// Name returns the lobby name
func (m *Match) Name() string { return m.info.Name }

// StartTime returns the match start, nil if the upstream omitted it
func (m *Match) StartTime() *time.Time { return m.info.StartTime }

// EndTime returns the match end, nil while the match is running
func (m *Match) EndTime() *time.Time { return m.info.EndTime }

// Events returns the validated events ascending by id
func (m *Match) Events() []Event {
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// RawData returns the validated payload as stored in raw_data
func (m *Match) RawData() json.RawMessage { return m.rawData }

// IsFinished is true once the match has an end time or was disbanded
func (m *Match) IsFinished() bool {
	return m.info.EndTime != nil || m.disband
}

// Players merges score participants and the roster. Roster names win;
// players only seen in scores are named UNKNOWN. Order is first-seen.
func (m *Match) Players() []models.Player {
	var order []int64
	names := make(map[int64]string)

	add := func(id int64, name string, overwrite bool) {
		if _, ok := names[id]; !ok {
			order = append(order, id)
			names[id] = name
			return
		}
		if overwrite {
			names[id] = name
		}
	}

	for _, s := range m.Scores() {
		add(s.UserID, models.UnknownPlayerName, false)
	}
	for _, u := range m.users {
		add(u.ID, u.Username, true)
	}

	players := make([]models.Player, 0, len(order))
	for _, id := range order {
		players = append(players, models.Player{ID: id, Name: names[id]})
	}
	return players
}

// Scores flattens the scores of every result event, in event order
func (m *Match) Scores() []ScoreEntry {
	var scores []ScoreEntry
	for _, ev := range m.events {
		re, ok := ev.(ResultEvent)
		if !ok {
			continue
		}
		for _, s := range re.Game.Scores {
			scores = append(scores, ScoreEntry{
				UserID:   s.UserID,
				Score:    s.Score,
				Accuracy: s.Accuracy,
				MapID:    re.Game.BeatmapID,
				GameID:   re.Game.ID,
			})
		}
	}
	return scores
}

// Maps returns the beatmap id of every result event in event order.
// A map played twice appears twice.
func (m *Match) Maps() []int64 {
	var ids []int64
	for _, ev := range m.events {
		if re, ok := ev.(ResultEvent); ok {
			ids = append(ids, re.Game.BeatmapID)
		}
	}
	return ids
}

// UniqueMaps is Maps without repeats, first occurrence order
func (m *Match) UniqueMaps() []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, id := range m.Maps() {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// ScoreRows converts scores to persisted rows with fixed-point accuracy
func (m *Match) ScoreRows() []models.Score {
	entries := m.Scores()
	rows := make([]models.Score, 0, len(entries))
	for _, s := range entries {
		rows = append(rows, models.Score{
			MatchID:  m.info.ID,
			GameID:   s.GameID,
			PlayerID: s.UserID,
			MapID:    s.MapID,
			Score:    s.Score,
			Accuracy: models.FormatAccuracy(s.Accuracy),
			MaxCombo: 0,
		})
	}
	return rows
}

// Record builds the match row written once the match is archived
func (m *Match) Record() *models.MatchRecord {
	return &models.MatchRecord{
		ID:        m.info.ID,
		Name:      m.info.Name,
		StartTime: m.info.StartTime,
		EndTime:   m.info.EndTime,
		RawData:   m.rawData,
	}
}
