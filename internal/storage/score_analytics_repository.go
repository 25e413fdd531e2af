package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/models"
	"github.com/shopspring/decimal"
)

// PlayerStats aggregates a player's archived scores
type PlayerStats struct {
	PlayerID     int64           `json:"playerId"`
	Games        uint64          `json:"games"`
	Matches      uint64          `json:"matches"`
	TotalScore   int64           `json:"totalScore"`
	BestScore    int64           `json:"bestScore"`
	MeanAccuracy decimal.Decimal `json:"meanAccuracy"`
}

// ScoreAnalyticsRepository mirrors archived scores into ClickHouse for aggregate queries.
// Postgres stays the source of truth; match_scores is a ReplacingMergeTree so
// re-sent rows collapse on merge.
type ScoreAnalyticsRepository struct {
	db  *ClickHouseDB
	now func() time.Time
}

// NewScoreAnalyticsRepository creates a new score analytics repository
func NewScoreAnalyticsRepository(db *ClickHouseDB) *ScoreAnalyticsRepository {
	return &ScoreAnalyticsRepository{db: db, now: time.Now}
}

// MirrorScores appends the scores of one archived match
func (r *ScoreAnalyticsRepository) MirrorScores(ctx context.Context, rec *models.MatchRecord, scores []models.Score) error {
	if len(scores) == 0 {
		return nil
	}

	var endTime time.Time
	if rec != nil && rec.EndTime != nil {
		endTime = rec.EndTime.UTC()
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO match_scores (match_id, game_id, player_id, map_id, score, accuracy, match_end_time, archived_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	archivedAt := r.now().UTC()
	for _, s := range scores {
		accuracy, err := decimal.NewFromString(s.Accuracy)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("invalid accuracy %q for player %d: %w", s.Accuracy, s.PlayerID, err)
		}
		if err := batch.Append(s.MatchID, s.GameID, s.PlayerID, s.MapID, s.Score, accuracy, endTime, archivedAt); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetPlayerStats aggregates every mirrored score of a player. A player with no
// scores yields zero values.
func (r *ScoreAnalyticsRepository) GetPlayerStats(ctx context.Context, playerID int64) (*PlayerStats, error) {
	query := `
		SELECT
			count() AS games,
			uniqExact(match_id) AS matches,
			sum(score) AS total_score,
			max(score) AS best_score,
			toFloat64(avg(accuracy)) AS mean_accuracy
		FROM match_scores FINAL
		WHERE player_id = ?
	`

	stats := &PlayerStats{PlayerID: playerID}
	var mean float64
	err := r.db.Conn().QueryRow(ctx, query, playerID).Scan(
		&stats.Games,
		&stats.Matches,
		&stats.TotalScore,
		&stats.BestScore,
		&mean,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query player stats", err)
	}
	if stats.Games > 0 {
		stats.MeanAccuracy = decimal.NewFromFloat(mean).Round(2)
	}

	return stats, nil
}
