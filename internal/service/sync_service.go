// Package service wires the sync components into runnable operations: a full
// incremental sync pass and the dead letter retry sweep.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/checkpoint"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	syncerrors "github.com/lucianoaf8/gmail-assistant-sub002/internal/errors"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/history"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/metrics"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
)

// FailureSink receives persistent per-message failures. Satisfied by
// *deadletter.Queue.
type FailureSink interface {
	AddFailure(ctx context.Context, messageID string, failureType models.FailureType, errorMessage, errorDetails string, itemContext map[string]interface{}) (int64, error)
}

// SyncServiceConfig holds configuration for the sync orchestrator
type SyncServiceConfig struct {
	Checkpoints *checkpoint.Manager
	Engine      *history.Engine
	States      *history.SyncStateManager
	DeadLetters FailureSink
	Cache       *storage.MessageCache // optional; nil disables caching
	Source      string
	Query       string
	OutputDir   string

	FetchBatchSize   int
	ProgressInterval int

	Logger zerolog.Logger
}

// SyncService runs one incremental sync pass end to end: checkpoint
// bookkeeping, history delta, message fetch with caching, dead letter routing
// and watermark advancement.
type SyncService struct {
	checkpoints *checkpoint.Manager
	engine      *history.Engine
	states      *history.SyncStateManager
	deadLetters FailureSink
	cache       *storage.MessageCache
	source      string
	query       string
	outputDir   string

	fetchBatchSize   int
	progressInterval int

	logger zerolog.Logger
}

// RunResult summarizes one sync pass.
type RunResult struct {
	SyncID             string        `json:"sync_id"`
	RunID              string        `json:"run_id"`
	UpToDate           bool          `json:"up_to_date"`
	Baseline           bool          `json:"baseline"`
	StartHistoryID     uint64        `json:"start_history_id"`
	NewHistoryID       uint64        `json:"new_history_id"`
	MessagesAdded      int           `json:"messages_added"`
	MessagesDeleted    int           `json:"messages_deleted"`
	LabelChanges       int           `json:"label_changes"`
	FailedIDs          []string      `json:"failed_ids,omitempty"`
	CacheHits          int           `json:"cache_hits"`
	FullResyncRequired bool          `json:"full_resync_required"`
	Duration           time.Duration `json:"duration"`
}

// ErrFullResyncRequired is returned when the stored watermark has expired on
// the remote and only an operator-driven full resync can recover.
var ErrFullResyncRequired = errors.New("full resync required: stored history id expired on the remote")

// NewSyncService creates the sync orchestrator
func NewSyncService(cfg *SyncServiceConfig) (*SyncService, error) {
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("history engine cannot be nil")
	}
	if cfg.States == nil {
		return nil, fmt.Errorf("sync state manager cannot be nil")
	}
	if cfg.DeadLetters == nil {
		return nil, fmt.Errorf("dead letter queue cannot be nil")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("source cannot be empty")
	}

	fetchBatchSize := cfg.FetchBatchSize
	if fetchBatchSize <= 0 {
		fetchBatchSize = 50
	}
	progressInterval := cfg.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = 25
	}

	return &SyncService{
		checkpoints:      cfg.Checkpoints,
		engine:           cfg.Engine,
		states:           cfg.States,
		deadLetters:      cfg.DeadLetters,
		cache:            cfg.Cache,
		source:           cfg.Source,
		query:            cfg.Query,
		outputDir:        cfg.OutputDir,
		fetchBatchSize:   fetchBatchSize,
		progressInterval: progressInterval,
		logger:           cfg.Logger.With().Str("component", "sync_service").Logger(),
	}, nil
}

// Run executes one sync pass. Cancellation through ctx marks the active
// checkpoint INTERRUPTED so the next run resumes it.
func (s *SyncService) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	runID := uuid.New().String()
	logger := s.logger.With().Str("run_id", runID).Logger()

	cp, resumed, err := s.resumeOrCreate(runID)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("sync_id", cp.SyncID).Logger()
	if resumed {
		logger.Info().
			Int("processed", cp.ProcessedMessages).
			Str("last_message_id", cp.LastMessageID).
			Msg("resuming interrupted sync")
	}

	result := &RunResult{SyncID: cp.SyncID, RunID: runID}

	storedID, err := s.states.GetHistoryID(ctx, s.source)
	if err != nil {
		s.fail(cp, err, nil)
		return result, err
	}

	// First run for this source: record the current id as the baseline and
	// let the next pass sync forward from it.
	if storedID == 0 {
		currentID, err := s.engine.GetCurrentHistoryID(ctx)
		if err != nil {
			s.fail(cp, err, nil)
			return result, err
		}
		if err := s.states.Reset(ctx, s.source, currentID); err != nil {
			s.fail(cp, err, nil)
			return result, err
		}
		if err := s.checkpoints.MarkCompleted(cp, currentID); err != nil {
			return result, err
		}
		result.Baseline = true
		result.NewHistoryID = currentID
		result.Duration = time.Since(start)
		metrics.IncSyncRun(string(models.SyncStateCompleted))
		logger.Info().Uint64("history_id", currentID).Msg("baseline watermark recorded")
		return result, nil
	}

	required, currentID, err := s.engine.CheckSyncRequired(ctx, storedID)
	if err != nil {
		s.fail(cp, err, nil)
		return result, err
	}
	if !required {
		if err := s.checkpoints.MarkCompleted(cp, storedID); err != nil {
			return result, err
		}
		result.UpToDate = true
		result.StartHistoryID = storedID
		result.NewHistoryID = storedID
		result.Duration = time.Since(start)
		metrics.IncSyncRun(string(models.SyncStateCompleted))
		logger.Info().Uint64("history_id", storedID).Msg("mailbox already up to date")
		return result, nil
	}

	logger.Info().
		Uint64("stored_id", storedID).
		Uint64("current_id", currentID).
		Msg("starting history sync")

	delta := s.engine.SyncFromHistory(ctx, storedID)
	result.StartHistoryID = delta.StartHistoryID
	result.NewHistoryID = delta.NewHistoryID
	result.MessagesDeleted = len(delta.DeletedMessageIDs)
	result.LabelChanges = len(delta.LabelChanges)

	if !delta.Success {
		if delta.FullResyncRequired {
			result.FullResyncRequired = true
			s.fail(cp, ErrFullResyncRequired, nil)
			return result, ErrFullResyncRequired
		}
		err := fmt.Errorf("history sync failed: %s", delta.Error)
		if ctx.Err() != nil {
			s.interrupt(cp)
			return result, ctx.Err()
		}
		s.fail(cp, err, nil)
		return result, err
	}

	addedIDs := delta.AddedMessageIDs
	if resumed {
		info := s.checkpoints.GetResumeInfo(cp)
		remaining := applyResume(addedIDs, info)
		if skipped := len(addedIDs) - len(remaining); skipped > 0 {
			logger.Info().
				Int("skipped", skipped).
				Str("last_message_id", info.LastMessageID).
				Msg("skipping messages the interrupted run already handled")
		}
		addedIDs = remaining
	}

	cp.TotalMessages = cp.ProcessedMessages + len(addedIDs)

	processed, failedIDs, cacheHits, err := s.fetchAndStore(ctx, cp, addedIDs)
	result.MessagesAdded = processed
	result.FailedIDs = failedIDs
	result.CacheHits = cacheHits
	if err != nil {
		if ctx.Err() != nil {
			s.interrupt(cp)
			return result, ctx.Err()
		}
		s.fail(cp, err, failedIDs)
		return result, err
	}

	if s.cache != nil && len(delta.DeletedMessageIDs) > 0 {
		if err := s.cache.Invalidate(ctx, s.source, delta.DeletedMessageIDs...); err != nil {
			logger.Warn().Err(err).Msg("failed to invalidate deleted messages in cache")
		}
	}

	if err := s.states.UpdateHistoryID(ctx, s.source, delta.NewHistoryID, processed); err != nil {
		s.fail(cp, err, failedIDs)
		return result, err
	}
	if err := s.checkpoints.MarkCompleted(cp, delta.NewHistoryID); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	metrics.IncSyncRun(string(models.SyncStateCompleted))
	metrics.AddMessagesSynced("added", processed)
	metrics.AddMessagesSynced("deleted", len(delta.DeletedMessageIDs))
	metrics.AddMessagesSynced("label_changed", len(delta.LabelChanges))

	logger.Info().
		Uint64("new_history_id", delta.NewHistoryID).
		Int("added", processed).
		Int("deleted", len(delta.DeletedMessageIDs)).
		Int("label_changes", len(delta.LabelChanges)).
		Int("failed", len(failedIDs)).
		Dur("duration", result.Duration).
		Msg("sync pass completed")

	return result, nil
}

// applyResume drops the ids an interrupted run already processed. Delta
// classification keeps first-occurrence order across recomputations, so the
// snapshot cursor maps onto a prefix of the recomputed id list: everything up
// to and including LastMessageID was stored by the prior run. When the cursor
// id no longer appears in the delta, the skip count alone positions the run.
func applyResume(ids []string, info *models.ResumeInfo) []string {
	if info == nil || info.SkipCount <= 0 {
		return ids
	}
	if info.LastMessageID != "" {
		for i, id := range ids {
			if id == info.LastMessageID {
				return ids[i+1:]
			}
		}
	}
	if info.SkipCount >= len(ids) {
		return nil
	}
	return ids[info.SkipCount:]
}

// resumeOrCreate picks up the latest resumable checkpoint for this query or
// starts a fresh one.
func (s *SyncService) resumeOrCreate(runID string) (*models.SyncCheckpoint, bool, error) {
	cp, err := s.checkpoints.GetLatest(s.query, true)
	if err != nil {
		return nil, false, err
	}
	if cp != nil {
		if cp.Metadata == nil {
			cp.Metadata = make(map[string]interface{})
		}
		cp.Metadata["resumed_by_run_id"] = runID
		return cp, true, nil
	}

	cp, err = s.checkpoints.Create(s.query, s.outputDir, 0, map[string]interface{}{
		"run_id": runID,
		"source": s.source,
	})
	if err != nil {
		return nil, false, err
	}
	return cp, false, nil
}

// fetchAndStore downloads added messages batch by batch, serving repeats from
// the cache, and writes each message to the output directory. Per-item
// failures go to the dead letter queue; the pass keeps going.
func (s *SyncService) fetchAndStore(ctx context.Context, cp *models.SyncCheckpoint, ids []string) (int, []string, int, error) {
	processed := 0
	cacheHits := 0
	var failedIDs []string
	// newFailed holds ids failed since the last persisted progress update;
	// UpdateProgress appends them to the checkpoint itself.
	var newFailed []string
	sinceLastSave := 0

	for len(ids) > 0 {
		if ctx.Err() != nil {
			return processed, failedIDs, cacheHits, ctx.Err()
		}

		n := s.fetchBatchSize
		if n > len(ids) {
			n = len(ids)
		}
		batch := ids[:n]
		ids = ids[n:]

		messages, misses, hits := s.lookupCache(ctx, batch)
		cacheHits += hits

		if len(misses) > 0 {
			fetched, fetchFailed, err := s.fetchBatch(ctx, misses)
			failedIDs = append(failedIDs, fetchFailed...)
			newFailed = append(newFailed, fetchFailed...)
			if err != nil {
				return processed, failedIDs, cacheHits, err
			}
			messages = append(messages, fetched...)
		}

		for _, msg := range messages {
			if err := s.storeMessage(msg); err != nil {
				s.routeFailure(ctx, msg.ID, models.FailureSave, err)
				failedIDs = append(failedIDs, msg.ID)
				newFailed = append(newFailed, msg.ID)
				continue
			}
			processed++
			sinceLastSave++
			cp.LastMessageID = msg.ID

			if sinceLastSave >= s.progressInterval {
				if err := s.checkpoints.UpdateProgress(cp, cp.ProcessedMessages+sinceLastSave, msg.ID, "", newFailed); err != nil {
					s.logger.Warn().Err(err).Msg("failed to persist progress")
				} else {
					sinceLastSave = 0
					newFailed = nil
				}
			}
		}
	}

	if sinceLastSave > 0 || len(newFailed) > 0 {
		if err := s.checkpoints.UpdateProgress(cp, cp.ProcessedMessages+sinceLastSave, cp.LastMessageID, "", newFailed); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist progress")
		}
	}

	return processed, failedIDs, cacheHits, nil
}

// lookupCache resolves a batch against the message cache, returning hits and
// the ids still to fetch. With no cache configured every id is a miss.
func (s *SyncService) lookupCache(ctx context.Context, batch []string) ([]*models.Message, []string, int) {
	if s.cache == nil {
		return nil, batch, 0
	}

	hits, misses, err := s.cache.GetMany(ctx, s.source, batch)
	if err != nil {
		s.logger.Warn().Err(err).Msg("message cache lookup failed, fetching whole batch")
		return nil, batch, 0
	}

	messages := make([]*models.Message, 0, len(hits))
	for _, id := range batch {
		if msg, ok := hits[id]; ok {
			messages = append(messages, msg)
		}
	}
	return messages, misses, len(messages)
}

// fetchBatch fetches a batch from the remote. A batch-level error degrades to
// per-id fetches so one poisoned message cannot sink its neighbours; each id
// that still fails is routed to the dead letter queue. A circuit breaker
// rejection is not a per-message failure, the items were never attempted, so
// it aborts the batch instead of quarantining it.
func (s *SyncService) fetchBatch(ctx context.Context, ids []string) ([]*models.Message, []string, error) {
	messages, err := s.engine.FetchAddedMessages(ctx, ids)
	if err == nil {
		s.cacheMessages(ctx, messages)
		return messages, nil, nil
	}
	if ctx.Err() != nil {
		return messages, nil, ctx.Err()
	}
	if circuitbreaker.IsRejection(err) {
		return nil, nil, err
	}

	s.logger.Warn().
		Err(err).
		Int("batch_size", len(ids)).
		Msg("batch fetch failed, retrying ids individually")

	fetchedSet := make(map[string]bool, len(messages))
	for _, msg := range messages {
		fetchedSet[msg.ID] = true
	}

	var failed []string
	for _, id := range ids {
		if fetchedSet[id] {
			continue
		}
		if ctx.Err() != nil {
			return messages, failed, ctx.Err()
		}

		single, err := s.engine.FetchAddedMessages(ctx, []string{id})
		if err != nil {
			if circuitbreaker.IsRejection(err) {
				s.cacheMessages(ctx, messages)
				return messages, failed, err
			}
			s.routeFailure(ctx, id, syncerrors.FailureTypeFor(err), err)
			failed = append(failed, id)
			continue
		}
		messages = append(messages, single...)
	}

	s.cacheMessages(ctx, messages)
	return messages, failed, nil
}

func (s *SyncService) cacheMessages(ctx context.Context, messages []*models.Message) {
	if s.cache == nil {
		return
	}
	for _, msg := range messages {
		if err := s.cache.Put(ctx, s.source, msg); err != nil {
			s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("failed to cache message")
		}
	}
}

func (s *SyncService) storeMessage(msg *models.Message) error {
	return writeMessage(s.outputDir, msg)
}

// writeMessage writes one message as a JSON document under the output
// directory. An empty directory disables persistence.
func writeMessage(outputDir string, msg *models.Message) error {
	if outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}

	path := filepath.Join(outputDir, msg.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write message %s: %w", msg.ID, err)
	}
	return nil
}

// routeFailure records a per-item failure in the dead letter queue. DLQ
// write errors are logged, never fatal to the pass.
func (s *SyncService) routeFailure(ctx context.Context, messageID string, failureType models.FailureType, cause error) {
	_, err := s.deadLetters.AddFailure(ctx, messageID, failureType, cause.Error(), "", map[string]interface{}{
		"source": s.source,
		"query":  s.query,
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("message_id", messageID).
			Str("failure_type", string(failureType)).
			Msg("failed to record dead letter")
		return
	}
	metrics.IncDeadLetter(string(failureType))
}

func (s *SyncService) fail(cp *models.SyncCheckpoint, cause error, failedIDs []string) {
	if err := s.checkpoints.MarkFailed(cp, cause.Error(), failedIDs); err != nil {
		s.logger.Error().Err(err).Str("sync_id", cp.SyncID).Msg("failed to mark checkpoint failed")
	}
	metrics.IncSyncRun(string(models.SyncStateFailed))
}

func (s *SyncService) interrupt(cp *models.SyncCheckpoint) {
	if err := s.checkpoints.MarkInterrupted(cp); err != nil {
		s.logger.Error().Err(err).Str("sync_id", cp.SyncID).Msg("failed to mark checkpoint interrupted")
	}
	metrics.IncSyncRun(string(models.SyncStateInterrupted))
}
