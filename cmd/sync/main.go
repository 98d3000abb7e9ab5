// Package main runs one incremental mailbox sync pass.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/checkpoint"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/config"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/deadletter"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/gmail"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/logging"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/metrics"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/service"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
)

func main() {
	var (
		source      = flag.String("source", "gmail", "Source name for the watermark")
		query       = flag.String("query", "", "Override the configured search query")
		outputDir   = flag.String("output", "", "Override the configured output directory")
		resetTo     = flag.Uint64("reset-watermark", 0, "Overwrite the stored watermark and exit")
		cleanupKeep = flag.Int("cleanup-checkpoints", 0, "Remove old terminal checkpoints, keeping N per terminal state, then exit")
		printAsJSON = flag.Bool("json", false, "Print the run result as JSON")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkpoints, err := checkpoint.NewManager(cfg.Sync.CheckpointDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create checkpoint manager")
	}

	if *cleanupKeep > 0 {
		removed, err := checkpoints.CleanupOld(*cleanupKeep, *cleanupKeep)
		if err != nil {
			logger.Fatal().Err(err).Msg("checkpoint cleanup failed")
		}
		logger.Info().Int("removed", removed).Msg("checkpoint cleanup done")
		return
	}

	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Postgres")
	}
	defer db.Close()

	states := history.NewSyncStateManager(storage.NewSyncStateRepository(db), logger)

	if *resetTo > 0 {
		if err := states.Reset(ctx, *source, *resetTo); err != nil {
			logger.Fatal().Err(err).Msg("watermark reset failed")
		}
		logger.Info().Str("source", *source).Uint64("history_id", *resetTo).Msg("watermark reset done")
		return
	}

	client, err := gmail.NewClient(ctx, &cfg.Gmail)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Gmail client")
	}

	breakerCfg := circuitbreaker.DefaultConfig("gmail")
	breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerCfg.RecoveryTimeout = cfg.Breaker.RecoveryTimeout
	breakerCfg.HalfOpenMaxCalls = cfg.Breaker.HalfOpenMaxCalls
	breakerCfg.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breakerCfg.Logger = logger

	engine, err := history.NewEngine(&history.EngineConfig{
		API:     client,
		Breaker: circuitbreaker.New(breakerCfg),
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create history engine")
	}

	deadLetters := deadletter.NewQueue(db, deadletter.Policy{
		BaseDelay:  cfg.DeadLetter.BaseDelay,
		MaxRetries: cfg.DeadLetter.MaxRetries,
	}, logger)

	// The message cache is best effort; run without it when Redis is down.
	var cache *storage.MessageCache
	if c, err := storage.NewMessageCache(&cfg.Database.Redis, cfg.Sync.MessageCacheTTL); err != nil {
		logger.Warn().Err(err).Msg("message cache unavailable, continuing without")
	} else {
		cache = c
		defer cache.Close()
	}

	runQuery := cfg.Sync.Query
	if *query != "" {
		runQuery = *query
	}
	runOutput := cfg.Sync.OutputDir
	if *outputDir != "" {
		runOutput = *outputDir
	}

	syncService, err := service.NewSyncService(&service.SyncServiceConfig{
		Checkpoints:      checkpoints,
		Engine:           engine,
		States:           states,
		DeadLetters:      deadLetters,
		Cache:            cache,
		Source:           *source,
		Query:            runQuery,
		OutputDir:        runOutput,
		FetchBatchSize:   cfg.Sync.FetchBatchSize,
		ProgressInterval: cfg.Sync.ProgressInterval,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create sync service")
	}

	result, err := syncService.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Msg("sync interrupted, checkpoint saved for resume")
			os.Exit(130)
		}
		if errors.Is(err, service.ErrFullResyncRequired) {
			logger.Error().Msg("stored watermark expired on the remote; reset it with -reset-watermark")
			os.Exit(2)
		}
		logger.Fatal().Err(err).Msg("sync failed")
	}

	if *printAsJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return
	}

	logger.Info().
		Str("sync_id", result.SyncID).
		Bool("up_to_date", result.UpToDate).
		Uint64("new_history_id", result.NewHistoryID).
		Int("added", result.MessagesAdded).
		Int("deleted", result.MessagesDeleted).
		Msg("done")
}
