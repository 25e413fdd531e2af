// Package api provides the HTTP intake API for archival requests.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/match-archiver/internal/job"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/models"
	"github.com/match-archiver/internal/storage"
)

// Archiver accepts archival requests
type Archiver interface {
	RequestArchiveBatch(ctx context.Context, matchIDs []int64) []*job.ArchiveResult
}

// MatchReader reads the archival status of a match
type MatchReader interface {
	GetMatchStatus(ctx context.Context, matchID int64) (*models.MatchRecord, error)
}

// PlayerStatsReader aggregates a player's archived scores
type PlayerStatsReader interface {
	GetPlayerStats(ctx context.Context, playerID int64) (*storage.PlayerStats, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	archiver   Archiver
	matches    MatchReader
	stats      PlayerStatsReader
	checks     map[string]HealthCheck
	details    func() map[string]interface{}
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	MaxBatchSize    int
}

// Dependencies are the collaborators the server calls into.
type Dependencies struct {
	Archiver Archiver
	Matches  MatchReader
	// Stats is optional; without it the player stats route is not served
	Stats PlayerStatsReader
	// Checks are run by /health; any failure reports the service as degraded
	Checks map[string]HealthCheck
	// Details adds informational fields to /health, e.g. breaker state
	Details func() map[string]interface{}
	Logger  *logging.Logger
}

// DefaultMaxBatchSize bounds the ids accepted by one request
const DefaultMaxBatchSize = 100

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultMaxBatchSize
	}

	s := &Server{
		router:   mux.NewRouter(),
		archiver: deps.Archiver,
		matches:  deps.Matches,
		stats:    deps.Stats,
		checks:   deps.Checks,
		details:  deps.Details,
		logger:   logger.WithComponent("api"),
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec)

	// order matters: the logger must be in the context before recovery logs
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(rateLimiter))
	api.HandleFunc("/matches", s.handleRequestArchive).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/matches/{id:[0-9]+}", s.handleGetMatch).Methods(http.MethodGet, http.MethodOptions)
	if s.stats != nil {
		api.HandleFunc("/players/{id:[0-9]+}/stats", s.handleGetPlayerStats).Methods(http.MethodGet, http.MethodOptions)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
