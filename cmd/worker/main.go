// Package main provides the archive worker entry point for the match archiver.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/match-archiver/internal/adapter"
	"github.com/match-archiver/internal/auth"
	"github.com/match-archiver/internal/config"
	"github.com/match-archiver/internal/job"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/ratelimit"
	"github.com/match-archiver/internal/storage"
	"github.com/match-archiver/internal/worker"
)

func main() {
	fmt.Println("Match Archiver Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("Invalid worker configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

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

	// the analytics mirror is optional; the archive itself lives in Postgres
	var mirror worker.ScoreMirror
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to ClickHouse, continuing without score mirror")
		} else {
			defer clickhouse.Close()
			mirror = storage.NewScoreAnalyticsRepository(clickhouse)
			logger.Info("Score mirror enabled")
		}
	}

	logger.Info("Database connections established")

	limiterCfg := ratelimit.Config{
		ID:          cfg.RateLimit.LimiterID,
		MinInterval: cfg.RateLimit.MinInterval,
		LeaseTTL:    cfg.RateLimit.LeaseTTL,
	}
	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "local":
		limiter, err = ratelimit.NewLocalLimiter(limiterCfg)
	default:
		limiter, err = ratelimit.NewRedisLimiter(redis.Client(), limiterCfg)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate limiter")
	}
	logger.WithFields(map[string]interface{}{
		"backend": cfg.RateLimit.Backend,
		"config":  limiterCfg.String(),
	}).Info("Rate limiter initialized")

	scheduler, err := ratelimit.NewScheduler(limiter, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create request scheduler")
	}

	httpClient := &http.Client{Timeout: cfg.Osu.HTTPTimeout}

	tokens, err := auth.NewTokenManager(auth.Config{
		Exchanger:    auth.NewClientCredentialsExchanger(cfg.Osu.BaseURL, cfg.Osu.ClientID, cfg.Osu.ClientSecret, httpClient),
		InitialToken: cfg.Osu.AccessToken,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token manager")
	}

	ctx := context.Background()

	if err := tokens.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to obtain access token")
	}
	defer tokens.Stop()

	client, err := adapter.NewOsuClient(adapter.OsuClientConfig{
		BaseURL:    cfg.Osu.BaseURL,
		HTTPClient: httpClient,
		Auth:       tokens,
		Scheduler:  scheduler,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create osu! client")
	}

	queue := job.NewRedisQueue(redis.Client(), cfg.Archive.QueueName,
		job.WithConsumerID(cfg.Archive.WorkerID),
		job.WithHeartbeatTTL(cfg.Archive.HeartbeatTTL),
	)
	logger.WithField("consumer_id", queue.ConsumerID()).Info("Queue consumer registered")

	// our own leftovers and those of expired peers go back to the pending list
	recovered, err := queue.RecoverInFlight(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to recover in-flight jobs")
	}
	if recovered > 0 {
		logger.WithField("jobs", recovered).Warn("Recovered in-flight jobs")
	}

	// three beats per TTL so one missed beat does not expire the claim
	archiveWorker, err := worker.NewArchiveWorker(&worker.ArchiveWorkerConfig{
		Source:            client,
		Store:             storage.NewArchiveStore(postgres),
		Queue:             queue,
		Mirror:            mirror,
		JobInterval:       cfg.Archive.JobInterval,
		DequeueTimeout:    cfg.Archive.DequeueTimeout,
		HeartbeatInterval: queue.HeartbeatTTL() / 3,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create archive worker")
	}

	if err := archiveWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start archive worker")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutdown signal received, stopping worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := archiveWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping archive worker")
	}

	status := archiveWorker.GetStatus()
	logger.WithFields(map[string]interface{}{
		"done":      status.JobsDone,
		"failed":    status.JobsFailed,
		"skipped":   status.JobsSkipped,
		"scheduler": scheduler.Metrics().String(),
		"breaker":   string(client.BreakerStats().State),
	}).Info("Worker stopped. Goodbye!")
}
