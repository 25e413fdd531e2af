package models

import (
	"encoding/json"
	"time"

	"github.com/match-archiver/internal/types"
	"github.com/shopspring/decimal"
)

const (
	// UnknownPlayerName is stored for players only seen in scores
	UnknownPlayerName = "UNKNOWN"
	// DeletedMapName is stored for beatmaps the upstream no longer serves
	DeletedMapName = "deleted"
)

// MatchRecord represents a row of the match table. A status-only row
// (created when archival is requested) has nil RawData.
type MatchRecord struct {
	ID               int64                  `json:"id" db:"id"`
	Name             string                 `json:"name" db:"name"`
	StartTime        *time.Time             `json:"startTime,omitempty" db:"start_time"`
	EndTime          *time.Time             `json:"endTime,omitempty" db:"end_time"`
	RawData          json.RawMessage        `json:"-" db:"raw_data"`
	ProcessingStatus types.ProcessingStatus `json:"processingStatus" db:"processing_status"`
	ProcessedAt      *time.Time             `json:"processedAt,omitempty" db:"processed_at"`
}

// Archived reports whether the match content has been written
func (m *MatchRecord) Archived() bool {
	return len(m.RawData) > 0
}

// Player represents a row of the player table
type Player struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Map represents a row of the map table
type Map struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Version string `json:"version" db:"version"`
}

// DeletedMap is the placeholder written when a beatmap lookup returns 404
func DeletedMap(id int64) *Map {
	return &Map{ID: id, Name: DeletedMapName, Version: DeletedMapName}
}

// Score represents a row of the score table
type Score struct {
	MatchID  int64  `json:"matchId" db:"match_id"`
	GameID   int64  `json:"gameId" db:"game_id"`
	PlayerID int64  `json:"playerId" db:"player_id"`
	MapID    int64  `json:"mapId" db:"map_id"`
	Score    int64  `json:"score" db:"score"`
	Accuracy string `json:"accuracy" db:"accuracy"`
	MaxCombo int    `json:"maxCombo" db:"max_combo"`
}

// FormatAccuracy renders a 0-100 accuracy as a fixed-point string with two decimals
func FormatAccuracy(accuracy float64) string {
	return decimal.NewFromFloat(accuracy).StringFixed(2)
}
