package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/job"
)

const maxBodyBytes = 1 << 20

// ArchiveResponse is the body of POST /api/matches
type ArchiveResponse struct {
	Results []*job.ArchiveResult `json:"results"`
}

// handleRequestArchive accepts a JSON array of match ids.
func (s *Server) handleRequestArchive(w http.ResponseWriter, r *http.Request) {
	ids, err := parseMatchIDs(io.LimitReader(r.Body, maxBodyBytes), s.config.MaxBatchSize)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	results := s.archiver.RequestArchiveBatch(r.Context(), ids)
	respondJSON(w, http.StatusOK, ArchiveResponse{Results: results})
}

// handleGetMatch reports the archival status of one match.
func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("id", "must be a positive integer"))
		return
	}

	rec, err := s.matches.GetMatchStatus(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if rec == nil {
		respondServiceError(w, r, apperrors.NewNotFoundError("match", raw))
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// handleGetPlayerStats reports aggregates over a player's mirrored scores.
func (s *Server) handleGetPlayerStats(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("id", "must be a positive integer"))
		return
	}

	stats, err := s.stats.GetPlayerStats(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if stats.Games == 0 {
		respondServiceError(w, r, apperrors.NewNotFoundError("player", raw))
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// handleHealth runs every dependency check with a short timeout.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":  status,
		"service": "match-archiver",
		"checks":  checks,
	}
	if s.details != nil {
		for k, v := range s.details() {
			body[k] = v
		}
	}
	respondJSON(w, code, body)
}

func parseMatchIDs(body io.Reader, maxBatch int) ([]int64, error) {
	var ids []int64
	dec := json.NewDecoder(body)
	if err := dec.Decode(&ids); err != nil {
		return nil, apperrors.NewInvalidParameterError("body", "must be a JSON array of match ids")
	}
	if len(ids) == 0 {
		return nil, apperrors.NewInvalidParameterError("body", "at least one match id is required")
	}
	if len(ids) > maxBatch {
		return nil, apperrors.NewInvalidParameterError("body", fmt.Sprintf("at most %d match ids per request", maxBatch))
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, apperrors.NewInvalidParameterError("body", fmt.Sprintf("invalid match id %d", id))
		}
	}
	return ids, nil
}
