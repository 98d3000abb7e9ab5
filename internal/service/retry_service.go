package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/metrics"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
)

// RetryQueue is the slice of the dead letter queue the sweep needs.
// Satisfied by *deadletter.Queue.
type RetryQueue interface {
	FailureSink
	GetReadyForRetry(ctx context.Context, limit int) ([]*models.DeadLetterItem, error)
	MarkResolved(ctx context.Context, id int64, reason string) error
}

// RetryServiceConfig holds configuration for the dead letter retry sweep
type RetryServiceConfig struct {
	Engine      *history.Engine
	DeadLetters RetryQueue
	Cache       *storage.MessageCache // optional
	Source      string
	OutputDir   string
	BatchSize   int
	Logger      zerolog.Logger
}

// RetryService re-attempts dead-lettered messages whose backoff has elapsed.
// A successful re-fetch resolves the item; a failed one is fed back through
// the queue, which advances the attempt count and schedules the next retry.
type RetryService struct {
	engine      *history.Engine
	deadLetters RetryQueue
	cache       *storage.MessageCache
	source      string
	outputDir   string
	batchSize   int
	logger      zerolog.Logger
}

// SweepResult summarizes one retry sweep.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Requeued  int `json:"requeued"`
}

// NewRetryService creates the retry sweep service
func NewRetryService(cfg *RetryServiceConfig) (*RetryService, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("history engine cannot be nil")
	}
	if cfg.DeadLetters == nil {
		return nil, fmt.Errorf("dead letter queue cannot be nil")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	return &RetryService{
		engine:      cfg.Engine,
		deadLetters: cfg.DeadLetters,
		cache:       cfg.Cache,
		source:      cfg.Source,
		outputDir:   cfg.OutputDir,
		batchSize:   batchSize,
		logger:      cfg.Logger.With().Str("component", "retry_service").Logger(),
	}, nil
}

// Sweep runs one pass over items whose next_retry has elapsed.
func (r *RetryService) Sweep(ctx context.Context) (*SweepResult, error) {
	items, err := r.deadLetters.GetReadyForRetry(ctx, r.batchSize)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	if len(items) == 0 {
		return result, nil
	}

	r.logger.Info().Int("ready", len(items)).Msg("starting retry sweep")

	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.Attempted++
		if err := r.retryItem(ctx, item); err != nil {
			result.Requeued++
			metrics.IncRetryOutcome("requeued")

			if _, dlqErr := r.deadLetters.AddFailure(ctx, item.MessageID, item.FailureType, err.Error(), "", nil); dlqErr != nil {
				r.logger.Error().
					Err(dlqErr).
					Str("message_id", item.MessageID).
					Msg("failed to record retry failure")
			}
			continue
		}

		result.Resolved++
		metrics.IncRetryOutcome("resolved")

		if err := r.deadLetters.MarkResolved(ctx, item.ID, "retry succeeded"); err != nil {
			r.logger.Error().
				Err(err).
				Int64("id", item.ID).
				Str("message_id", item.MessageID).
				Msg("failed to mark item resolved")
		}
	}

	r.logger.Info().
		Int("attempted", result.Attempted).
		Int("resolved", result.Resolved).
		Int("requeued", result.Requeued).
		Msg("retry sweep finished")

	return result, nil
}

// retryItem re-runs the failed operation for one dead letter.
func (r *RetryService) retryItem(ctx context.Context, item *models.DeadLetterItem) error {
	switch item.FailureType {
	case models.FailureDelete:
		// The message is gone from the remote; dropping it from the cache is
		// the whole retry.
		if r.cache != nil {
			return r.cache.Invalidate(ctx, r.source, item.MessageID)
		}
		return nil
	default:
		messages, err := r.engine.FetchAddedMessages(ctx, []string{item.MessageID})
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return fmt.Errorf("message %s not returned by remote", item.MessageID)
		}

		msg := messages[0]
		if r.cache != nil {
			if err := r.cache.Put(ctx, r.source, msg); err != nil {
				r.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("failed to cache message")
			}
		}
		return writeMessage(r.outputDir, msg)
	}
}
