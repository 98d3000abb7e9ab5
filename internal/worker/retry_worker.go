// Package worker contains the background loops that keep the sync pipeline
// moving between explicit runs.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/service"
)

// RetryWorker drives the dead letter retry sweep on a fixed interval.
type RetryWorker struct {
	retries      *service.RetryService
	pollInterval time.Duration
	logger       zerolog.Logger

	running      bool
	mu           sync.RWMutex
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastPollTime time.Time
}

// RetryWorkerConfig holds configuration for a retry worker
type RetryWorkerConfig struct {
	Retries      *service.RetryService
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(cfg *RetryWorkerConfig) (*RetryWorker, error) {
	if cfg.Retries == nil {
		return nil, fmt.Errorf("retry service cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 60 * time.Second
	}
	if pollInterval < time.Second {
		return nil, fmt.Errorf("poll interval must be at least 1 second, got %v", pollInterval)
	}

	return &RetryWorker{
		retries:      cfg.Retries,
		pollInterval: pollInterval,
		logger:       cfg.Logger.With().Str("component", "retry_worker").Logger(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start begins the worker's polling loop.
func (w *RetryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("retry worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("starting retry worker")

	go w.pollLoop(ctx)

	return nil
}

// Stop gracefully stops the worker, waiting for an in-flight sweep.
func (w *RetryWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("retry worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		w.logger.Info().Msg("retry worker stopped")
	case <-ctx.Done():
		w.logger.Warn().Msg("retry worker stop timed out")
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// pollLoop is the main polling loop that runs in a goroutine
func (w *RetryWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("context cancelled")
			return
		case <-w.stopCh:
			w.logger.Info().Msg("stop signal received")
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastPollTime = time.Now()
			w.mu.Unlock()

			result, err := w.retries.Sweep(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("retry sweep failed")
				// keep polling despite errors
				continue
			}

			if result.Attempted > 0 {
				w.logger.Info().
					Int("attempted", result.Attempted).
					Int("resolved", result.Resolved).
					Int("requeued", result.Requeued).
					Msg("retry sweep cycle done")
			}
		}
	}
}

// Status reports whether the worker is running and when it last polled.
func (w *RetryWorker) Status() (running bool, lastPoll time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running, w.lastPollTime
}
