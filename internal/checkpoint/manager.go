// Package checkpoint persists sync run progress as one JSON document per run,
// written atomically so a crash mid-write never corrupts a stored record.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

const checkpointExt = ".json"

// Manager stores checkpoints under a single directory, one file per sync id.
type Manager struct {
	dir    string
	logger zerolog.Logger
}

// NewManager creates a checkpoint manager rooted at dir, creating the
// directory if needed.
func NewManager(dir string, logger zerolog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Manager{
		dir:    dir,
		logger: logger.With().Str("component", "checkpoint").Logger(),
	}, nil
}

// newSyncID derives a unique id from the start time and the query.
func newSyncID(startedAt time.Time, query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("sync_%s_%s", startedAt.UTC().Format("20060102_150405"), hex.EncodeToString(sum[:4]))
}

// Create starts a new checkpoint in the pending state and persists it
// immediately.
func (m *Manager) Create(query, outputDirectory string, totalMessages int, metadata map[string]interface{}) (*models.SyncCheckpoint, error) {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	cp := &models.SyncCheckpoint{
		SyncID:          newSyncID(now, query),
		State:           models.SyncStatePending,
		StartedAt:       now,
		UpdatedAt:       now,
		TotalMessages:   totalMessages,
		Query:           query,
		OutputDirectory: outputDirectory,
		FailedIDs:       []string{},
		Metadata:        metadata,
	}

	if err := m.Save(cp); err != nil {
		return nil, err
	}

	m.logger.Info().Str("sync_id", cp.SyncID).Str("query", query).Msg("checkpoint created")
	return cp, nil
}

// Save persists the checkpoint atomically: the record is written to a
// temporary file in the same directory and then renamed over the final path,
// so readers only ever observe a fully previous or fully new version.
func (m *Manager) Save(cp *models.SyncCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.SyncID, err)
	}

	final := m.path(cp.SyncID)
	tmp, err := os.CreateTemp(m.dir, cp.SyncID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint %s: %w", cp.SyncID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint %s: %w", cp.SyncID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint %s: %w", cp.SyncID, err)
	}

	return nil
}

// Load returns the checkpoint for syncID, or nil when no readable record
// exists. Corrupted records are logged and treated as absent.
func (m *Manager) Load(syncID string) (*models.SyncCheckpoint, error) {
	data, err := os.ReadFile(m.path(syncID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", syncID, err)
	}

	var cp models.SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.logger.Warn().Str("sync_id", syncID).Err(err).Msg("checkpoint unreadable, treating as absent")
		return nil, nil
	}

	return &cp, nil
}

// List returns all checkpoints, optionally filtered by state, ordered by
// UpdatedAt descending. Files that fail to parse are skipped.
func (m *Manager) List(state *models.SyncState) ([]*models.SyncCheckpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var checkpoints []*models.SyncCheckpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) || strings.Contains(name, ".tmp-") {
			continue
		}

		cp, err := m.Load(strings.TrimSuffix(name, checkpointExt))
		if err != nil || cp == nil {
			continue
		}
		if state != nil && cp.State != *state {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].UpdatedAt.After(checkpoints[j].UpdatedAt)
	})

	return checkpoints, nil
}

// GetLatest returns the most recently updated checkpoint, optionally limited
// to a query and to resumable states. Returns nil when nothing matches.
func (m *Manager) GetLatest(query string, resumableOnly bool) (*models.SyncCheckpoint, error) {
	checkpoints, err := m.List(nil)
	if err != nil {
		return nil, err
	}

	for _, cp := range checkpoints {
		if query != "" && cp.Query != query {
			continue
		}
		if resumableOnly && !cp.IsResumable() {
			continue
		}
		return cp, nil
	}

	return nil, nil
}

// UpdateProgress moves the checkpoint into the in-progress state, advances
// counters and cursors, appends any newly failed ids, and persists.
func (m *Manager) UpdateProgress(cp *models.SyncCheckpoint, processed int, lastMessageID, lastPageToken string, failedIDs []string) error {
	if cp.State.IsTerminal() {
		return fmt.Errorf("checkpoint %s is %s and cannot accept progress", cp.SyncID, cp.State)
	}

	cp.State = models.SyncStateInProgress
	cp.ProcessedMessages = processed
	if lastMessageID != "" {
		cp.LastMessageID = lastMessageID
	}
	if lastPageToken != "" {
		cp.LastPageToken = lastPageToken
	}
	if len(failedIDs) > 0 {
		cp.FailedIDs = append(cp.FailedIDs, failedIDs...)
		cp.FailedMessages = len(cp.FailedIDs)
	}

	return m.Save(cp)
}

// ClearPageToken drops the stored paging cursor and persists. UpdateProgress
// keeps the previous token when given an empty one, so finishing a page
// sequence mid-run needs this explicit clear.
func (m *Manager) ClearPageToken(cp *models.SyncCheckpoint) error {
	if cp.State.IsTerminal() {
		return fmt.Errorf("checkpoint %s is %s and cannot accept progress", cp.SyncID, cp.State)
	}
	if cp.LastPageToken == "" {
		return nil
	}

	cp.LastPageToken = ""
	return m.Save(cp)
}

// MarkCompleted transitions the checkpoint to the completed terminal state,
// recording the history watermark reached.
func (m *Manager) MarkCompleted(cp *models.SyncCheckpoint, historyID uint64) error {
	if cp.State.IsTerminal() {
		return fmt.Errorf("checkpoint %s is already %s", cp.SyncID, cp.State)
	}

	cp.State = models.SyncStateCompleted
	if historyID > 0 {
		cp.HistoryID = historyID
	}
	cp.ErrorMessage = ""
	// paging is done; a kept token would mislead a later reader
	cp.LastPageToken = ""

	m.logger.Info().
		Str("sync_id", cp.SyncID).
		Int("processed", cp.ProcessedMessages).
		Int("failed", cp.FailedMessages).
		Uint64("history_id", cp.HistoryID).
		Msg("sync completed")

	return m.Save(cp)
}

// MarkFailed transitions the checkpoint to the failed terminal state.
func (m *Manager) MarkFailed(cp *models.SyncCheckpoint, errorMessage string, failedIDs []string) error {
	if cp.State.IsTerminal() {
		return fmt.Errorf("checkpoint %s is already %s", cp.SyncID, cp.State)
	}

	cp.State = models.SyncStateFailed
	cp.ErrorMessage = errorMessage
	if len(failedIDs) > 0 {
		cp.FailedIDs = append(cp.FailedIDs, failedIDs...)
		cp.FailedMessages = len(cp.FailedIDs)
	}

	m.logger.Error().Str("sync_id", cp.SyncID).Str("error", errorMessage).Msg("sync failed")

	return m.Save(cp)
}

// MarkInterrupted transitions the checkpoint to the resumable interrupted
// state. It is the caller's responsibility to invoke this on shutdown.
func (m *Manager) MarkInterrupted(cp *models.SyncCheckpoint) error {
	if cp.State.IsTerminal() {
		return fmt.Errorf("checkpoint %s is already %s", cp.SyncID, cp.State)
	}

	cp.State = models.SyncStateInterrupted

	m.logger.Warn().
		Str("sync_id", cp.SyncID).
		Int("processed", cp.ProcessedMessages).
		Msg("sync interrupted, checkpoint left resumable")

	return m.Save(cp)
}

// GetResumeInfo returns a plain snapshot sufficient to continue the run
// without reprocessing completed work.
func (m *Manager) GetResumeInfo(cp *models.SyncCheckpoint) *models.ResumeInfo {
	return &models.ResumeInfo{
		SyncID:        cp.SyncID,
		SkipCount:     cp.ProcessedMessages,
		LastMessageID: cp.LastMessageID,
		LastPageToken: cp.LastPageToken,
		FailedIDs:     append([]string(nil), cp.FailedIDs...),
		Query:         cp.Query,
		Metadata:      cp.Metadata,
	}
}

// CleanupOld deletes terminal checkpoints beyond the N most recent per state.
// Returns the number of records removed.
func (m *Manager) CleanupOld(keepCompleted, keepFailed int) (int, error) {
	removed := 0

	for state, keep := range map[models.SyncState]int{
		models.SyncStateCompleted: keepCompleted,
		models.SyncStateFailed:    keepFailed,
	} {
		st := state
		checkpoints, err := m.List(&st)
		if err != nil {
			return removed, err
		}
		if keep < 0 {
			keep = 0
		}
		for _, cp := range checkpoints[min(keep, len(checkpoints)):] {
			if err := os.Remove(m.path(cp.SyncID)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove checkpoint %s: %w", cp.SyncID, err)
			}
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("old checkpoints cleaned up")
	}
	return removed, nil
}

func (m *Manager) path(syncID string) string {
	return filepath.Join(m.dir, syncID+checkpointExt)
}
