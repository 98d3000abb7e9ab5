// Package history implements incremental mailbox synchronization driven by
// the remote change log: it computes the delta of added, deleted and
// label-changed messages since the last synced history id.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// ErrHistoryExpired is returned when the stored history id has fallen out of
// the remote's retention window; the only recovery is a full resync.
var ErrHistoryExpired = errors.New("stored history id no longer available on the remote")

// MailAPI is the remote collaborator surface the engine needs. Everything
// else about the remote transport is out of scope here.
type MailAPI interface {
	CurrentHistoryID(ctx context.Context) (uint64, error)
	ListHistory(ctx context.Context, sinceID uint64, pageToken string) (records []models.HistoryRecord, nextPageToken string, err error)
	GetMessages(ctx context.Context, ids []string) ([]*models.Message, error)
}

// EngineConfig configures a history sync engine
type EngineConfig struct {
	API      MailAPI
	Breaker  *circuitbreaker.CircuitBreaker
	Logger   zerolog.Logger
	MaxPages int // safety cap per pass; 0 means no cap
}

// Engine pages through the remote history log, classifying each record into
// the sync delta. Every remote call goes through the circuit breaker.
type Engine struct {
	api      MailAPI
	breaker  *circuitbreaker.CircuitBreaker
	logger   zerolog.Logger
	maxPages int
}

// NewEngine creates a history sync engine
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("mail API cannot be nil")
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("circuit breaker cannot be nil")
	}

	return &Engine{
		api:      cfg.API,
		breaker:  cfg.Breaker,
		logger:   cfg.Logger.With().Str("component", "history").Logger(),
		maxPages: cfg.MaxPages,
	}, nil
}

// GetCurrentHistoryID returns the remote's current high-water history id.
func (e *Engine) GetCurrentHistoryID(ctx context.Context) (uint64, error) {
	var id uint64
	err := e.breaker.Execute(ctx, func() error {
		var callErr error
		id, callErr = e.api.CurrentHistoryID(ctx)
		return callErr
	})
	return id, err
}

// CheckSyncRequired reports whether the remote has moved past storedID, and
// returns the remote's current id either way.
func (e *Engine) CheckSyncRequired(ctx context.Context, storedID uint64) (bool, uint64, error) {
	currentID, err := e.GetCurrentHistoryID(ctx)
	if err != nil {
		return false, 0, err
	}
	return currentID != storedID, currentID, nil
}

// SyncFromHistory pages through history records after sinceID and
// accumulates the delta. Records are processed in the order the remote
// returns them; NewHistoryID is only advanced to the id actually reached, so
// a failure mid-pass still yields a valid smaller forward step.
func (e *Engine) SyncFromHistory(ctx context.Context, sinceID uint64) *models.HistorySyncResult {
	result := &models.HistorySyncResult{
		StartHistoryID: sinceID,
		NewHistoryID:   sinceID,
	}

	seenAdded := make(map[string]bool)
	seenDeleted := make(map[string]bool)

	pageToken := ""
	for {
		var records []models.HistoryRecord
		var nextToken string

		err := e.breaker.Execute(ctx, func() error {
			var callErr error
			records, nextToken, callErr = e.api.ListHistory(ctx, sinceID, pageToken)
			return callErr
		})
		if err != nil {
			result.Error = err.Error()
			if errors.Is(err, ErrHistoryExpired) {
				result.FullResyncRequired = true
				e.logger.Warn().
					Uint64("since_id", sinceID).
					Msg("history id expired on remote, full resync required")
			} else {
				e.logger.Error().
					Err(err).
					Uint64("since_id", sinceID).
					Int("pages_processed", result.PagesProcessed).
					Msg("history sync stopped mid-pass")
			}
			return result
		}

		result.PagesProcessed++

		for _, rec := range records {
			e.classify(rec, result, seenAdded, seenDeleted)
			if rec.ID > result.NewHistoryID {
				result.NewHistoryID = rec.ID
			}
		}

		if nextToken == "" {
			break
		}
		if e.maxPages > 0 && result.PagesProcessed >= e.maxPages {
			e.logger.Warn().
				Int("max_pages", e.maxPages).
				Msg("history page cap reached, remaining delta deferred to next pass")
			break
		}
		pageToken = nextToken
	}

	result.Success = true

	e.logger.Info().
		Uint64("since_id", sinceID).
		Uint64("new_history_id", result.NewHistoryID).
		Int("added", len(result.AddedMessageIDs)).
		Int("deleted", len(result.DeletedMessageIDs)).
		Int("label_changes", len(result.LabelChanges)).
		Int("pages", result.PagesProcessed).
		Msg("history sync pass finished")

	return result
}

// classify folds one history record into the accumulated delta. Repeated
// entries for the same message collapse; first occurrence order is kept.
func (e *Engine) classify(rec models.HistoryRecord, result *models.HistorySyncResult, seenAdded, seenDeleted map[string]bool) {
	for _, added := range rec.MessagesAdded {
		if seenAdded[added.MessageID] {
			continue
		}
		seenAdded[added.MessageID] = true
		result.AddedMessageIDs = append(result.AddedMessageIDs, added.MessageID)
	}

	for _, deletedID := range rec.MessagesDeleted {
		if seenDeleted[deletedID] {
			continue
		}
		seenDeleted[deletedID] = true
		result.DeletedMessageIDs = append(result.DeletedMessageIDs, deletedID)
	}

	result.LabelChanges = append(result.LabelChanges, rec.LabelsAdded...)
	result.LabelChanges = append(result.LabelChanges, rec.LabelsRemoved...)
}

// FetchAddedMessages bulk-fetches full records for newly added ids. An empty
// input makes no remote call.
func (e *Engine) FetchAddedMessages(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var messages []*models.Message
	err := e.breaker.Execute(ctx, func() error {
		var callErr error
		messages, callErr = e.api.GetMessages(ctx, ids)
		return callErr
	})
	if err != nil {
		return messages, err
	}

	return messages, nil
}
