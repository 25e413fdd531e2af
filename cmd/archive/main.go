// Package main provides a CLI tool that requests archival of matches by id.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/match-archiver/internal/config"
	"github.com/match-archiver/internal/job"
	"github.com/match-archiver/internal/logging"
	"github.com/match-archiver/internal/storage"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout for the request")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <match id> [match id...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ids, err := parseIDs(flag.Args())
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// logs go to stderr so stdout stays pure JSON
	logger := logging.NewLoggerWithOutput(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText, os.Stderr)

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := redis.Close(); err != nil {
			log.Printf("Error closing Redis connection: %v", err)
		}
	}()

	orchestrator, err := job.NewOrchestrator(job.OrchestratorConfig{
		Store:    storage.NewArchiveStore(postgres),
		Queue:    job.NewRedisQueue(redis.Client(), cfg.Archive.QueueName),
		Cooldown: cfg.Archive.RetryCooldown,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := orchestrator.RequestArchiveBatch(ctx, ids)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}

	for _, r := range results {
		if r.Error != "" {
			os.Exit(1)
		}
	}
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one match id is required")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a valid match id", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
