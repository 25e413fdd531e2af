package storage

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id int64) *models.MatchRecord {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	return &models.MatchRecord{
		ID:        id,
		Name:      "OWC: (Team A) vs (Team B)",
		StartTime: &start,
		EndTime:   &end,
		RawData:   json.RawMessage(`{"match":{"id":1},"events":[]}`),
	}
}

func TestArchiveStoreQueuedLifecycle(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	rec, err := store.GetMatchStatus(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, rec, "absent match has no record")

	queuedAt := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	created, err := store.CreateQueuedMatch(ctx, 1, queuedAt)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateQueuedMatch(ctx, 1, queuedAt)
	require.NoError(t, err)
	assert.False(t, created, "second request loses the insert")

	rec, err = store.GetMatchStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusQueued, rec.ProcessingStatus)
	require.NotNil(t, rec.ProcessedAt)
	assert.True(t, queuedAt.Equal(*rec.ProcessedAt))

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SetMatchStatus(ctx, 1, types.StatusFailed, &now))

	rec, err = store.GetMatchStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.ProcessingStatus)
	require.NotNil(t, rec.ProcessedAt)
	assert.True(t, now.Equal(*rec.ProcessedAt))

	// done is terminal
	doneAt := now.Add(time.Minute)
	require.NoError(t, store.SetMatchStatus(ctx, 1, types.StatusDone, &doneAt))
	require.NoError(t, store.SetMatchStatus(ctx, 1, types.StatusFailed, &now))
	rec, err = store.GetMatchStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, rec.ProcessingStatus)
	assert.True(t, doneAt.Equal(*rec.ProcessedAt))

	err = store.SetMatchStatus(ctx, 1, types.ProcessingStatus("bogus"), nil)
	assert.Equal(t, apperrors.CategoryValidation, apperrors.Categorize(err).Category)
}

func TestArchiveStoreInsertMatchOnce(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	_, err := store.CreateQueuedMatch(ctx, 42, time.Now())
	require.NoError(t, err)

	// fills the status-only placeholder
	require.NoError(t, store.InsertMatch(ctx, testRecord(42)))

	got, err := store.GetMatch(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "OWC: (Team A) vs (Team B)", got.Name)
	assert.JSONEq(t, `{"match":{"id":1},"events":[]}`, string(got.RawData))
	assert.True(t, got.Archived())
	assert.Equal(t, types.StatusQueued, got.ProcessingStatus, "content write leaves status alone")

	// second write of archived content is a conflict
	err = store.InsertMatch(ctx, testRecord(42))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	// no prior row at all
	require.NoError(t, store.InsertMatch(ctx, testRecord(43)))
}

func TestArchiveStoreInsertMatchRequiresEndTime(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	rec := testRecord(5)
	rec.EndTime = nil
	err := store.InsertMatch(ctx, rec)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFinished(err))

	got, err := store.GetMatch(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArchiveStoreUpsertPlayersKeepsKnownNames(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	require.NoError(t, store.UpsertPlayers(ctx, []models.Player{{ID: 1, Name: "alice"}, {ID: 2, Name: models.UnknownPlayerName}}))
	require.NoError(t, store.UpsertPlayers(ctx, []models.Player{{ID: 1, Name: models.UnknownPlayerName}, {ID: 2, Name: "bob"}}))

	var name1, name2 string
	require.NoError(t, store.DB().Pool().QueryRow(ctx, `SELECT name FROM player WHERE id = 1`).Scan(&name1))
	require.NoError(t, store.DB().Pool().QueryRow(ctx, `SELECT name FROM player WHERE id = 2`).Scan(&name2))
	assert.Equal(t, "alice", name1)
	assert.Equal(t, "bob", name2)

	// renames still go through
	require.NoError(t, store.UpsertPlayers(ctx, []models.Player{{ID: 1, Name: "alice2"}}))
	require.NoError(t, store.DB().Pool().QueryRow(ctx, `SELECT name FROM player WHERE id = 1`).Scan(&name1))
	assert.Equal(t, "alice2", name1)
}

func TestArchiveStoreUpsertMapsKeepsKnownNames(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	require.NoError(t, store.UpsertMaps(ctx, []models.Map{{ID: 10, Name: "Blue Zenith", Version: "FOUR DIMENSIONS"}, *models.DeletedMap(11)}))
	require.NoError(t, store.UpsertMaps(ctx, []models.Map{*models.DeletedMap(10), {ID: 11, Name: "Freedom Dive", Version: "FOUR DIMENSIONS"}}))

	var name, version string
	require.NoError(t, store.DB().Pool().QueryRow(ctx, `SELECT name, version FROM map WHERE id = 10`).Scan(&name, &version))
	assert.Equal(t, "Blue Zenith", name)
	assert.Equal(t, "FOUR DIMENSIONS", version)

	require.NoError(t, store.DB().Pool().QueryRow(ctx, `SELECT name FROM map WHERE id = 11`).Scan(&name))
	assert.Equal(t, "Freedom Dive", name, "placeholder is replaced once the map resolves")
}

func TestArchiveStoreArchiveMatchWithScores(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	require.NoError(t, store.UpsertPlayers(ctx, []models.Player{{ID: 1, Name: "alice"}, {ID: 2, Name: "bob"}}))
	require.NoError(t, store.UpsertMaps(ctx, []models.Map{{ID: 10, Name: "m", Version: "v"}}))

	scores := []models.Score{
		{MatchID: 42, GameID: 100, PlayerID: 1, MapID: 10, Score: 900000, Accuracy: models.FormatAccuracy(97.8339)},
		{MatchID: 42, GameID: 100, PlayerID: 2, MapID: 10, Score: 800000, Accuracy: "95.00"},
		// same map replayed in a later game
		{MatchID: 42, GameID: 101, PlayerID: 1, MapID: 10, Score: 910000, Accuracy: "98.10"},
	}
	require.NoError(t, store.ArchiveMatch(ctx, testRecord(42), scores))

	n, err := store.CountScores(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var accuracy string
	require.NoError(t, store.DB().Pool().QueryRow(ctx,
		`SELECT accuracy::text FROM score WHERE match_id = 42 AND game_id = 100 AND player_id = 1`).Scan(&accuracy))
	assert.Equal(t, "97.83", accuracy)

	// re-delivered rows are ignored
	require.NoError(t, store.InsertScoresIgnoreDuplicates(ctx, scores))
	n, err = store.CountScores(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestArchiveStoreArchiveMatchRollsBack(t *testing.T) {
	store := newTestArchiveStore(t)
	ctx := testContext(t)

	// player 99 does not exist, so the score insert violates its foreign key
	scores := []models.Score{{MatchID: 42, GameID: 1, PlayerID: 99, MapID: 10, Score: 1, Accuracy: "50.00"}}
	err := store.ArchiveMatch(ctx, testRecord(42), scores)
	require.Error(t, err)

	got, err := store.GetMatch(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, got, "match content is not left behind")

	// a retry with the referenced rows present succeeds
	require.NoError(t, store.UpsertPlayers(ctx, []models.Player{{ID: 99, Name: "zed"}}))
	require.NoError(t, store.UpsertMaps(ctx, []models.Map{*models.DeletedMap(10)}))
	require.NoError(t, store.ArchiveMatch(ctx, testRecord(42), scores))
}
