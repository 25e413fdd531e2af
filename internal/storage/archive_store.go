package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ArchiveStore persists players, maps, matches and scores
type ArchiveStore struct {
	db *PostgresDB
}

// NewArchiveStore creates a new archive store
func NewArchiveStore(db *PostgresDB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

// DB returns the underlying database connection for raw queries
func (s *ArchiveStore) DB() *PostgresDB {
	return s.db
}

// GetMatchStatus returns the match row without its raw payload, or nil when no row exists.
func (s *ArchiveStore) GetMatchStatus(ctx context.Context, matchID int64) (*models.MatchRecord, error) {
	query := `
		SELECT id, name, start_time, end_time, processing_status, processed_at
		FROM match
		WHERE id = $1
	`

	var rec models.MatchRecord
	err := s.db.Pool().QueryRow(ctx, query, matchID).Scan(
		&rec.ID,
		&rec.Name,
		&rec.StartTime,
		&rec.EndTime,
		&rec.ProcessingStatus,
		&rec.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get match status", err)
	}

	return &rec, nil
}

// CreateQueuedMatch inserts a status-only row in the queued state.
// It returns false when a row for the match already exists.
func (s *ArchiveStore) CreateQueuedMatch(ctx context.Context, matchID int64, queuedAt time.Time) (bool, error) {
	query := `
		INSERT INTO match (id, processing_status, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := s.db.Pool().Exec(ctx, query, matchID, string(types.StatusQueued), queuedAt)
	if err != nil {
		return false, apperrors.NewDatabaseError("create queued match", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetMatchStatus records the processing status, creating the row if needed.
// done is terminal: a later write never moves an archived match out of it.
func (s *ArchiveStore) SetMatchStatus(ctx context.Context, matchID int64, status types.ProcessingStatus, processedAt *time.Time) error {
	if !status.Valid() {
		return apperrors.NewInvalidParameterError("status", fmt.Sprintf("unknown processing status %q", status))
	}

	query := `
		INSERT INTO match (id, processing_status, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET processing_status = EXCLUDED.processing_status,
			processed_at = EXCLUDED.processed_at
		WHERE match.processing_status <> $4
	`

	if _, err := s.db.Pool().Exec(ctx, query, matchID, string(status), processedAt, string(types.StatusDone)); err != nil {
		return apperrors.NewDatabaseError("set match status", err)
	}
	return nil
}

// UpsertPlayers inserts players and refreshes names. A placeholder name never
// replaces a known one.
func (s *ArchiveStore) UpsertPlayers(ctx context.Context, players []models.Player) error {
	if len(players) == 0 {
		return nil
	}

	query := `
		INSERT INTO player (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name
		WHERE EXCLUDED.name <> $3
	`

	batch := &pgx.Batch{}
	for _, p := range players {
		batch.Queue(query, p.ID, p.Name, models.UnknownPlayerName)
	}
	if err := execBatch(ctx, s.db.Pool(), batch); err != nil {
		return apperrors.NewDatabaseError("upsert players", err)
	}
	return nil
}

// UpsertMaps inserts maps and refreshes name and version. The deleted
// placeholder never replaces a known map.
func (s *ArchiveStore) UpsertMaps(ctx context.Context, maps []models.Map) error {
	if len(maps) == 0 {
		return nil
	}

	query := `
		INSERT INTO map (id, name, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, version = EXCLUDED.version
		WHERE EXCLUDED.name <> $4 OR map.name = $4
	`

	batch := &pgx.Batch{}
	for _, m := range maps {
		batch.Queue(query, m.ID, m.Name, m.Version, models.DeletedMapName)
	}
	if err := execBatch(ctx, s.db.Pool(), batch); err != nil {
		return apperrors.NewDatabaseError("upsert maps", err)
	}
	return nil
}

// InsertMatch writes the archived match content. It fills a status-only row
// but never overwrites content that is already present.
func (s *ArchiveStore) InsertMatch(ctx context.Context, rec *models.MatchRecord) error {
	return insertMatch(ctx, s.db.Pool(), rec)
}

// InsertScoresIgnoreDuplicates inserts score rows, skipping rows already present
func (s *ArchiveStore) InsertScoresIgnoreDuplicates(ctx context.Context, scores []models.Score) error {
	if err := insertScores(ctx, s.db.Pool(), scores); err != nil {
		return apperrors.NewDatabaseError("insert scores", err)
	}
	return nil
}

// ArchiveMatch writes the match content and its scores in one transaction so a
// failed score insert does not leave content behind that blocks a retry.
func (s *ArchiveStore) ArchiveMatch(ctx context.Context, rec *models.MatchRecord, scores []models.Score) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("begin archive transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := insertMatch(ctx, tx, rec); err != nil {
		return err
	}
	if err := insertScores(ctx, tx, scores); err != nil {
		return apperrors.NewDatabaseError("insert scores", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit archive transaction", err)
	}
	return nil
}

// GetMatch returns the full match row including the raw payload, or nil when absent.
func (s *ArchiveStore) GetMatch(ctx context.Context, matchID int64) (*models.MatchRecord, error) {
	query := `
		SELECT id, name, start_time, end_time, raw_data, processing_status, processed_at
		FROM match
		WHERE id = $1
	`

	var rec models.MatchRecord
	var raw []byte
	err := s.db.Pool().QueryRow(ctx, query, matchID).Scan(
		&rec.ID,
		&rec.Name,
		&rec.StartTime,
		&rec.EndTime,
		&raw,
		&rec.ProcessingStatus,
		&rec.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get match", err)
	}
	rec.RawData = raw

	return &rec, nil
}

// CountScores returns the number of score rows stored for a match
func (s *ArchiveStore) CountScores(ctx context.Context, matchID int64) (int, error) {
	var n int
	err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM score WHERE match_id = $1`, matchID).Scan(&n)
	if err != nil {
		return 0, apperrors.NewDatabaseError("count scores", err)
	}
	return n, nil
}

func insertMatch(ctx context.Context, q querier, rec *models.MatchRecord) error {
	if rec == nil {
		return apperrors.NewInvalidParameterError("match", "record is required")
	}
	if rec.EndTime == nil {
		return apperrors.NewMatchNotFinishedError(rec.ID)
	}
	if len(rec.RawData) == 0 {
		return apperrors.NewInvalidParameterError("raw_data", "archived content is required")
	}

	query := `
		INSERT INTO match (id, name, start_time, end_time, raw_data, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			raw_data = EXCLUDED.raw_data
		WHERE match.raw_data IS NULL
	`

	tag, err := q.Exec(ctx, query,
		rec.ID,
		rec.Name,
		rec.StartTime,
		rec.EndTime,
		[]byte(rec.RawData),
		string(types.StatusQueued),
	)
	if err != nil {
		return apperrors.NewDatabaseError("insert match", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError(fmt.Sprintf("match %d is already archived", rec.ID))
	}
	return nil
}

func insertScores(ctx context.Context, q querier, scores []models.Score) error {
	if len(scores) == 0 {
		return nil
	}

	query := `
		INSERT INTO score (match_id, game_id, player_id, map_id, score, accuracy, max_combo)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		ON CONFLICT (match_id, game_id, player_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, sc := range scores {
		batch.Queue(query, sc.MatchID, sc.GameID, sc.PlayerID, sc.MapID, sc.Score, sc.Accuracy, sc.MaxCombo)
	}
	return execBatch(ctx, q, batch)
}

func execBatch(ctx context.Context, q querier, batch *pgx.Batch) error {
	results := q.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return results.Close()
}
