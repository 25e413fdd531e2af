// Package main provides the intake API server for the match archiver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/match-archiver/internal/api"
	"github.com/match-archiver/internal/config"
	"github.com/match-archiver/internal/job"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/storage"
)

func main() {
	fmt.Println("Match Archiver API Server")
	log.Println("Server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	checks := map[string]api.HealthCheck{
		"postgres": postgres.Ping,
		"redis":    redis.Ping,
	}

	// player stats are served only when the analytics mirror is reachable
	var stats api.PlayerStatsReader
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to ClickHouse, player stats disabled")
		} else {
			defer clickhouse.Close()
			stats = storage.NewScoreAnalyticsRepository(clickhouse)
			checks["clickhouse"] = clickhouse.Ping
		}
	}

	logger.Info("Database connections established")

	store := storage.NewArchiveStore(postgres)
	queue := job.NewRedisQueue(redis.Client(), cfg.Archive.QueueName)

	orchestrator, err := job.NewOrchestrator(job.OrchestratorConfig{
		Store:    store,
		Queue:    queue,
		Cooldown: cfg.Archive.RetryCooldown,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create orchestrator")
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  cfg.Intake.RequestsPerSecond,
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Archiver: orchestrator,
		Matches:  store,
		Stats:    stats,
		Checks:   checks,
		Details: func() map[string]interface{} {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			n, err := queue.Len(ctx)
			if err != nil {
				return nil
			}
			return map[string]interface{}{"queueLength": n}
		},
		Logger: logger,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
