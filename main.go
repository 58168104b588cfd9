// Package main runs Sentinel either as an HTTP-triggered service (the
// teacher's Cloud Run pattern: a long-lived process invoked on an interval
// by an external scheduler) or as a one-shot CLI tick for local development
// and process-per-run cron deployments.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"sentinel/deadletter"
	"sentinel/metrics"
	"sentinel/orchestrator"
	"sentinel/pkg/sentinel"
	"sentinel/server"
	"sentinel/statestore"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the run configuration JSON document")
	once := flag.Bool("once", false, "run a single orchestrator tick against the config and exit")
	replayOnce := flag.Bool("replay", false, "run a single dead-letter replay against the config and exit")
	flag.Parse()

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: read config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := sentinel.ParseConfig(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: parse config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	metrics.Init()

	ctx := context.Background()
	store, closeStore := newStateStore(ctx, cfg, logger)
	defer closeStore()

	targets := cfg.BuildTargets()
	policy := cfg.Policy()

	switch {
	case *replayOnce:
		runReplayOnce(ctx, store, cfg, policy, logger)
	case *once:
		runTickOnce(ctx, store, targets, policy, logger)
	default:
		runServer(store, targets, policy, cfg, logger)
	}
}

func newLogger(cfg *sentinel.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.StructuredLogs {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newStateStore(ctx context.Context, cfg *sentinel.Config, logger *slog.Logger) (*statestore.Client, func()) {
	if cfg.StateBucket == "" {
		localPath := cfg.StateLocalPath
		if localPath == "" {
			localPath = "./data"
		}
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			logger.Error("failed to create local state directory", "path", localPath, "error", err)
			os.Exit(1)
		}
		logger.Info("running with local state store", "path", localPath)
		return statestore.New(nil, "", localPath, logger), func() {}
	}

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		logger.Error("failed to initialize GCS client", "error", err)
		os.Exit(1)
	}
	logger.Info("running with GCS state store", "bucket", cfg.StateBucket)
	return statestore.New(gcsClient, cfg.StateBucket, "", logger), func() {
		if err := gcsClient.Close(); err != nil {
			logger.Warn("failed to close GCS client", "error", err)
		}
	}
}

func runTickOnce(ctx context.Context, store *statestore.Client, targets []sentinel.Target, policy sentinel.RunPolicy, logger *slog.Logger) {
	runID := uuid.NewString()
	summary := orchestrator.Run(ctx, runID, targets, store, orchestrator.Options{
		MaxConcurrency: policy.MaxConcurrency,
		ScheduleJitter: policy.ScheduleJitter,
		RedactLogs:     policy.RedactLogs,
		Logger:         logger,
	})

	if err := json.NewEncoder(os.Stdout).Encode(summary); err != nil {
		logger.Error("failed to encode run summary", "error", err)
		os.Exit(1)
	}
	if len(summary.FailingTargets) > 0 {
		os.Exit(1)
	}
}

func runReplayOnce(ctx context.Context, store *statestore.Client, cfg *sentinel.Config, policy sentinel.RunPolicy, logger *slog.Logger) {
	summary, err := deadletter.Replay(ctx, store, deadletter.ReplayOptions{
		Limit:               cfg.DeadLetterLimit,
		MaxConcurrency:      policy.MaxConcurrency,
		DryRun:              cfg.DeadLetterDryRun,
		UseStoredWebhookURL: cfg.DeadLetterUseStoredWebhookURL,
		Policy:              policy,
	})
	if err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
	if err := json.NewEncoder(os.Stdout).Encode(summary); err != nil {
		logger.Error("failed to encode replay summary", "error", err)
		os.Exit(1)
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

func runServer(store *statestore.Client, targets []sentinel.Target, policy sentinel.RunPolicy, cfg *sentinel.Config, logger *slog.Logger) {
	srv := server.New(&server.Config{
		Targets:                       targets,
		Policy:                        policy,
		Store:                         store,
		Logger:                        logger,
		DeadLetterLimit:               cfg.DeadLetterLimit,
		DeadLetterDryRun:              cfg.DeadLetterDryRun,
		DeadLetterUseStoredWebhookURL: cfg.DeadLetterUseStoredWebhookURL,
	})

	if err := srv.ServeHTTP(cfg.HTTPPort); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
