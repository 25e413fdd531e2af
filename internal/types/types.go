// Package types provides the upstream wire types and shared enums for the match archiver.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessingStatus represents the archival state of a match
type ProcessingStatus string

const (
	// StatusQueued represents a match waiting for the archive worker
	StatusQueued ProcessingStatus = "queued"
	// StatusFailed represents a match whose last archival attempt failed
	StatusFailed ProcessingStatus = "failed"
	// StatusDone represents a fully archived match
	StatusDone ProcessingStatus = "done"
)

// Valid reports whether s is one of the known statuses
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusFailed, StatusDone:
		return true
	}
	return false
}

// Event detail types used by the strict event pass
const (
	EventTypeOther     = "other"
	EventTypeDisbanded = "match-disbanded"
)

// MatchInfo is the match header returned on every page
type MatchInfo struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

// User is a roster entry from a match page
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// RawEvent is a permissively decoded event: only the id is required,
// the full object is kept verbatim for the strict pass and for raw_data.
type RawEvent struct {
	ID  int64
	Raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if head.ID == nil {
		return fmt.Errorf("decode event: missing id")
	}
	e.ID = *head.ID
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON implements json.Marshaler
func (e RawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return json.Marshal(map[string]int64{"id": e.ID})
	}
	return e.Raw, nil
}

// MatchPage is one response of GET /matches/{id}
type MatchPage struct {
	Match         MatchInfo  `json:"match"`
	Events        []RawEvent `json:"events"`
	Users         []User     `json:"users"`
	FirstEventID  int64      `json:"first_event_id"`
	LatestEventID int64      `json:"latest_event_id"`
}

// MatchTimeline is the union of all pages of a match, events ascending by id
type MatchTimeline struct {
	Match         MatchInfo  `json:"match"`
	Events        []RawEvent `json:"events"`
	Users         []User     `json:"users"`
	FirstEventID  int64      `json:"first_event_id"`
	LatestEventID int64      `json:"latest_event_id"`
}

// Beatmapset is the subset of beatmapset fields the archiver stores
type Beatmapset struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// Beatmap is the response of GET /beatmaps/{id}
type Beatmap struct {
	ID         int64      `json:"id"`
	Version    string     `json:"version"`
	Beatmapset Beatmapset `json:"beatmapset"`
}

// GameScore is one player's result within a game
type GameScore struct {
	UserID   int64   `json:"user_id"`
	Score    int64   `json:"score"`
	Accuracy float64 `json:"accuracy"`
}

// Game is a single map played within a match
type Game struct {
	ID        int64       `json:"id"`
	BeatmapID int64       `json:"beatmap_id"`
	Scores    []GameScore `json:"scores"`
}

// EventDetail carries the discriminator of an event
type EventDetail struct {
	Type string  `json:"type"`
	Text *string `json:"text,omitempty"`
}

// StrictEvent is the shape checked by the strict pass
type StrictEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Detail    EventDetail `json:"detail"`
	Game      *Game       `json:"game,omitempty"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}
