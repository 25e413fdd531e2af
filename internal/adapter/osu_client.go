// Package adapter talks to the upstream osu! API v2.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/match-archiver/internal/circuitbreaker"
	apperrors "github.com/match-archiver/internal/errors"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/types"
)

const (
	apiPrefix = "/api/v2"

	// DefaultMaxPages bounds a single match fetch. Matches with more history than
	// this are treated as an upstream error rather than looping forever.
	DefaultMaxPages = 1000
	// DefaultHTTPTimeout applies when no HTTP client is supplied
	DefaultHTTPTimeout = 30 * time.Second
)

// Authorizer supplies the Authorization header for each request.
type Authorizer interface {
	AuthHeader(ctx context.Context) (string, error)
}

// RequestScheduler runs a request under the shared rate limit.
type RequestScheduler interface {
	Schedule(ctx context.Context, fn func(ctx context.Context) error) error
}

// OsuClientConfig configures an OsuClient.
type OsuClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Auth       Authorizer
	Scheduler  RequestScheduler
	// Breaker is optional; a default one is created when nil
	Breaker  *circuitbreaker.CircuitBreaker
	MaxPages int
	Logger   *logging.Logger
}

// OsuClient fetches match timelines and beatmaps.
type OsuClient struct {
	baseURL   string
	client    *http.Client
	auth      Authorizer
	scheduler RequestScheduler
	breaker   *circuitbreaker.CircuitBreaker
	maxPages  int
	logger    *logging.Logger
}

// countsAgainstUpstream reports whether err reflects upstream health.
// Missing resources, bad payloads and coordination outages do not.
func countsAgainstUpstream(err error) bool {
	cat := apperrors.Categorize(err)
	switch cat.Category {
	case apperrors.CategoryNotFound, apperrors.CategoryValidation, apperrors.CategoryCoordination:
		return false
	}
	return true
}

// NewOsuClient creates a client.
func NewOsuClient(cfg OsuClientConfig) (*OsuClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authorizer is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	breaker := cfg.Breaker
	if breaker == nil {
		bc := circuitbreaker.DefaultConfig("osu-api")
		bc.IsFailure = countsAgainstUpstream
		bc.Logger = logger
		breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	return &OsuClient{
		baseURL:   cfg.BaseURL,
		client:    httpClient,
		auth:      cfg.Auth,
		scheduler: cfg.Scheduler,
		breaker:   breaker,
		maxPages:  maxPages,
		logger:    logger.WithComponent("osu_client"),
	}, nil
}

// BreakerStats exposes the upstream circuit breaker state.
func (c *OsuClient) BreakerStats() *circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// FetchFullMatch walks the match history backwards from the latest page until
// the first event is reached and returns every event exactly once, ascending by id.
func (c *OsuClient) FetchFullMatch(ctx context.Context, matchID int64) (*types.MatchTimeline, error) {
	logger := c.logger.WithMatch(matchID)

	timeline := &types.MatchTimeline{}
	seenEvents := make(map[int64]struct{})
	seenUsers := make(map[int64]struct{})
	var cursor int64

	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("fetch match %d: exceeded %d pages", matchID, c.maxPages)
		}

		query := url.Values{}
		if cursor > 0 {
			query.Set("before", strconv.FormatInt(cursor, 10))
		}

		var p types.MatchPage
		path := fmt.Sprintf("/matches/%d", matchID)
		if err := c.getJSON(ctx, path, query, &p); err != nil {
			return nil, fmt.Errorf("fetch match %d page %d: %w", matchID, page, err)
		}

		timeline.Match = p.Match
		timeline.FirstEventID = p.FirstEventID
		timeline.LatestEventID = p.LatestEventID

		for _, u := range p.Users {
			if _, ok := seenUsers[u.ID]; ok {
				continue
			}
			seenUsers[u.ID] = struct{}{}
			timeline.Users = append(timeline.Users, u)
		}

		// an empty page means there is nothing older to fetch
		if len(p.Events) == 0 {
			break
		}

		earliest := p.Events[0].ID
		for _, ev := range p.Events {
			if ev.ID < earliest {
				earliest = ev.ID
			}
			if _, ok := seenEvents[ev.ID]; ok {
				continue
			}
			seenEvents[ev.ID] = struct{}{}
			timeline.Events = append(timeline.Events, ev)
		}

		if earliest <= p.FirstEventID {
			break
		}
		if cursor > 0 && earliest >= cursor {
			return nil, apperrors.NewInvalidPayloadError("match page",
				fmt.Errorf("cursor did not advance: before=%d earliest=%d", cursor, earliest))
		}
		cursor = earliest

		logger.WithFields(map[string]interface{}{
			"page":   page,
			"before": cursor,
			"events": len(timeline.Events),
		}).Debug("fetching older match page")
	}

	sort.Slice(timeline.Events, func(i, j int) bool {
		return timeline.Events[i].ID < timeline.Events[j].ID
	})

	logger.WithField("events", len(timeline.Events)).Debug("match timeline assembled")
	return timeline, nil
}

// GetBeatmap returns the map name and version. A missing beatmap yields a not found error.
func (c *OsuClient) GetBeatmap(ctx context.Context, mapID int64) (*models.Map, error) {
	var bm types.Beatmap
	if err := c.getJSON(ctx, fmt.Sprintf("/beatmaps/%d", mapID), nil, &bm); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFoundError("beatmap", strconv.FormatInt(mapID, 10))
		}
		return nil, fmt.Errorf("fetch beatmap %d: %w", mapID, err)
	}

	return &models.Map{
		ID:      mapID,
		Name:    bm.Beatmapset.Title,
		Version: bm.Version,
	}, nil
}

func (c *OsuClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	header, err := c.auth.AuthHeader(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.scheduler.Schedule(ctx, func(ctx context.Context) error {
			return c.do(ctx, endpoint, path, header, out)
		})
	})
}

func (c *OsuClient) do(ctx context.Context, endpoint, path, header string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewUpstreamTransportError(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return apperrors.NewNotFoundError("resource", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return apperrors.NewUpstreamError(path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewInvalidPayloadError(path, err)
	}
	return nil
}
