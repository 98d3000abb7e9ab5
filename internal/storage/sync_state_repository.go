package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// SyncStateRepository persists the per-source history watermark
type SyncStateRepository struct {
	db *PostgresDB
}

// NewSyncStateRepository creates a new sync state repository
func NewSyncStateRepository(db *PostgresDB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Get retrieves the sync state row for a source, or nil when the source has
// never completed a sync.
func (r *SyncStateRepository) Get(ctx context.Context, source string) (*models.SyncStateRecord, error) {
	query := `
		SELECT source, last_history_id, last_sync_at, total_synced, metadata, created_at, updated_at
		FROM sync_state
		WHERE source = $1
	`

	var rec models.SyncStateRecord
	var historyID int64
	var totalSynced int64

	err := r.db.Pool().QueryRow(ctx, query, source).Scan(
		&rec.Source,
		&historyID,
		&rec.LastSyncAt,
		&totalSynced,
		&rec.Metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync state for %s: %w", source, err)
	}

	rec.LastHistoryID = uint64(historyID)
	rec.TotalSynced = totalSynced
	return &rec, nil
}

// Advance moves the watermark forward and accumulates the synced-message
// counter. The watermark never regresses: a lower history id than the stored
// one leaves the stored value in place.
func (r *SyncStateRepository) Advance(ctx context.Context, source string, historyID uint64, syncedCount int) error {
	now := time.Now().UTC()

	query := `
		INSERT INTO sync_state (source, last_history_id, last_sync_at, total_synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $3, $3)
		ON CONFLICT (source)
		DO UPDATE SET
			last_history_id = GREATEST(sync_state.last_history_id, EXCLUDED.last_history_id),
			last_sync_at = EXCLUDED.last_sync_at,
			total_synced = sync_state.total_synced + EXCLUDED.total_synced,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query, source, int64(historyID), now, int64(syncedCount))
	if err != nil {
		return fmt.Errorf("failed to advance sync state for %s: %w", source, err)
	}

	return nil
}

// Reset overwrites the watermark unconditionally. Used for explicit operator
// resets and the full-resync fallback; this is the only path that may move
// the watermark backwards.
func (r *SyncStateRepository) Reset(ctx context.Context, source string, historyID uint64) error {
	now := time.Now().UTC()

	query := `
		INSERT INTO sync_state (source, last_history_id, last_sync_at, total_synced, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $3, $3)
		ON CONFLICT (source)
		DO UPDATE SET
			last_history_id = EXCLUDED.last_history_id,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query, source, int64(historyID), now)
	if err != nil {
		return fmt.Errorf("failed to reset sync state for %s: %w", source, err)
	}

	return nil
}

// List returns sync state rows for every known source.
func (r *SyncStateRepository) List(ctx context.Context) ([]*models.SyncStateRecord, error) {
	query := `
		SELECT source, last_history_id, last_sync_at, total_synced, metadata, created_at, updated_at
		FROM sync_state
		ORDER BY source
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync state: %w", err)
	}
	defer rows.Close()

	var records []*models.SyncStateRecord
	for rows.Next() {
		var rec models.SyncStateRecord
		var historyID, totalSynced int64
		if err := rows.Scan(&rec.Source, &historyID, &rec.LastSyncAt, &totalSynced, &rec.Metadata, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync state row: %w", err)
		}
		rec.LastHistoryID = uint64(historyID)
		rec.TotalSynced = totalSynced
		records = append(records, &rec)
	}

	return records, rows.Err()
}
