// Package main runs the dead letter retry sweep, either once or as a
// long-lived worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/config"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/deadletter"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/gmail"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/logging"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/metrics"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/service"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/worker"
)

func main() {
	var (
		source      = flag.String("source", "gmail", "Source name for cache keys")
		daemon      = flag.Bool("daemon", false, "Keep sweeping on the configured interval")
		batchSize   = flag.Int("batch", 20, "Items per sweep")
		cleanupDays = flag.Int("cleanup-resolved", 0, "Delete resolved items older than N days, then exit")
		exportPath  = flag.String("export", "", "Export the queue to a JSON file, then exit")
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

	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Postgres")
	}
	defer db.Close()

	deadLetters := deadletter.NewQueue(db, deadletter.Policy{
		BaseDelay:  cfg.DeadLetter.BaseDelay,
		MaxRetries: cfg.DeadLetter.MaxRetries,
	}, logger)

	if *cleanupDays > 0 {
		removed, err := deadLetters.CleanupResolved(ctx, *cleanupDays)
		if err != nil {
			logger.Fatal().Err(err).Msg("dead letter cleanup failed")
		}
		logger.Info().Int64("removed", removed).Msg("dead letter cleanup done")
		return
	}

	if *exportPath != "" {
		if err := deadLetters.ExportToJSON(ctx, *exportPath, true); err != nil {
			logger.Fatal().Err(err).Msg("dead letter export failed")
		}
		logger.Info().Str("path", *exportPath).Msg("dead letter export done")
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

	var cache *storage.MessageCache
	if c, err := storage.NewMessageCache(&cfg.Database.Redis, cfg.Sync.MessageCacheTTL); err != nil {
		logger.Warn().Err(err).Msg("message cache unavailable, continuing without")
	} else {
		cache = c
		defer cache.Close()
	}

	retries, err := service.NewRetryService(&service.RetryServiceConfig{
		Engine:      engine,
		DeadLetters: deadLetters,
		Cache:       cache,
		Source:      *source,
		OutputDir:   cfg.Sync.OutputDir,
		BatchSize:   *batchSize,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create retry service")
	}

	if !*daemon {
		result, err := retries.Sweep(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("retry sweep failed")
		}
		logger.Info().
			Int("attempted", result.Attempted).
			Int("resolved", result.Resolved).
			Int("requeued", result.Requeued).
			Msg("done")
		return
	}

	retryWorker, err := worker.NewRetryWorker(&worker.RetryWorkerConfig{
		Retries:      retries,
		PollInterval: cfg.Sync.RetrySweepInterval,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create retry worker")
	}

	if err := retryWorker.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start retry worker")
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := retryWorker.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("retry worker did not stop cleanly")
	}
}
