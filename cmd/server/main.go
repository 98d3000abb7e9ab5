// Package main runs the operations HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/api"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/checkpoint"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/config"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/deadletter"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/logging"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/metrics"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	metrics.Register()

	checkpoints, err := checkpoint.NewManager(cfg.Sync.CheckpointDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create checkpoint manager")
	}

	db, err := storage.NewPostgresDB(context.Background(), &cfg.Database.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Postgres")
	}
	defer db.Close()

	deadLetters := deadletter.NewQueue(db, deadletter.Policy{
		BaseDelay:  cfg.DeadLetter.BaseDelay,
		MaxRetries: cfg.DeadLetter.MaxRetries,
	}, logger)

	states := history.NewSyncStateManager(storage.NewSyncStateRepository(db), logger)

	breakers := circuitbreaker.NewManager()

	server := api.NewServer(
		&api.ServerConfig{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			ShutdownTimeout: 15 * time.Second,
		},
		checkpoints,
		deadLetters,
		breakers,
		states,
		logger,
	)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}
