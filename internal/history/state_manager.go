package history

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// StateStore is the persistence surface the state manager needs. Satisfied
// by storage.SyncStateRepository.
type StateStore interface {
	Get(ctx context.Context, source string) (*models.SyncStateRecord, error)
	Advance(ctx context.Context, source string, historyID uint64, syncedCount int) error
	Reset(ctx context.Context, source string, historyID uint64) error
	List(ctx context.Context) ([]*models.SyncStateRecord, error)
}

// SyncStateManager tracks the per-source history watermark. Watermarks only
// move forward through UpdateHistoryID; Reset is the sole regress path.
type SyncStateManager struct {
	store  StateStore
	logger zerolog.Logger
}

// NewSyncStateManager creates a sync state manager backed by the given store
func NewSyncStateManager(store StateStore, logger zerolog.Logger) *SyncStateManager {
	return &SyncStateManager{
		store:  store,
		logger: logger.With().Str("component", "sync_state").Logger(),
	}
}

// GetHistoryID returns the stored watermark for a source, or 0 when the
// source has never synced.
func (m *SyncStateManager) GetHistoryID(ctx context.Context, source string) (uint64, error) {
	rec, err := m.store.Get(ctx, source)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	return rec.LastHistoryID, nil
}

// UpdateHistoryID advances the watermark after a successful sync pass and
// accumulates the synced-message counter.
func (m *SyncStateManager) UpdateHistoryID(ctx context.Context, source string, historyID uint64, syncedCount int) error {
	if historyID == 0 {
		return fmt.Errorf("history id cannot be zero")
	}

	if err := m.store.Advance(ctx, source, historyID, syncedCount); err != nil {
		return err
	}

	m.logger.Debug().
		Str("source", source).
		Uint64("history_id", historyID).
		Int("synced_count", syncedCount).
		Msg("watermark advanced")

	return nil
}

// GetSyncStats returns the full sync state row for a source, or nil when the
// source is unknown.
func (m *SyncStateManager) GetSyncStats(ctx context.Context, source string) (*models.SyncStateRecord, error) {
	return m.store.Get(ctx, source)
}

// ListSources returns sync state rows for every known source.
func (m *SyncStateManager) ListSources(ctx context.Context) ([]*models.SyncStateRecord, error) {
	return m.store.List(ctx)
}

// Reset overwrites the watermark unconditionally. Used after a full resync
// or by an operator recovering from an expired history id.
func (m *SyncStateManager) Reset(ctx context.Context, source string, historyID uint64) error {
	if err := m.store.Reset(ctx, source, historyID); err != nil {
		return err
	}

	m.logger.Warn().
		Str("source", source).
		Uint64("history_id", historyID).
		Msg("watermark reset")

	return nil
}
