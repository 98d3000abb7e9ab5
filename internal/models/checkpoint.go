package models

import (
	"time"
)

// SyncState represents the lifecycle state of a sync checkpoint
type SyncState string

const (
	// SyncStatePending means the run was created but has not processed anything yet
	SyncStatePending SyncState = "pending"
	// SyncStateInProgress means the run is actively processing messages
	SyncStateInProgress SyncState = "in_progress"
	// SyncStateCompleted means the run finished successfully (terminal)
	SyncStateCompleted SyncState = "completed"
	// SyncStateFailed means the run could not make forward progress (terminal)
	SyncStateFailed SyncState = "failed"
	// SyncStateInterrupted means the run was stopped externally and can resume
	SyncStateInterrupted SyncState = "interrupted"
)

// IsTerminal reports whether the state is final and will never change again.
func (s SyncState) IsTerminal() bool {
	return s == SyncStateCompleted || s == SyncStateFailed
}

// IsResumable reports whether a run in this state can be picked up by a
// subsequent invocation.
func (s SyncState) IsResumable() bool {
	return s == SyncStateInProgress || s == SyncStateInterrupted
}

// Valid reports whether the value is a member of the closed state set.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePending, SyncStateInProgress, SyncStateCompleted, SyncStateFailed, SyncStateInterrupted:
		return true
	}
	return false
}

// SyncCheckpoint records the progress of one sync run. It is persisted as a
// single JSON document per SyncID and mutated through the checkpoint manager.
type SyncCheckpoint struct {
	SyncID            string                 `json:"sync_id"`
	State             SyncState              `json:"state"`
	StartedAt         time.Time              `json:"started_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	TotalMessages     int                    `json:"total_messages"`
	ProcessedMessages int                    `json:"processed_messages"`
	FailedMessages    int                    `json:"failed_messages"`
	LastMessageID     string                 `json:"last_message_id"`
	LastPageToken     string                 `json:"last_page_token"`
	HistoryID         uint64                 `json:"history_id"`
	Query             string                 `json:"query"`
	OutputDirectory   string                 `json:"output_directory"`
	FailedIDs         []string               `json:"failed_ids"`
	ErrorMessage      string                 `json:"error_message"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// IsResumable reports whether this checkpoint can be resumed.
func (c *SyncCheckpoint) IsResumable() bool {
	return c.State.IsResumable()
}

// ResumeInfo is a plain snapshot of everything a caller needs to continue an
// interrupted run without re-reading the full checkpoint.
type ResumeInfo struct {
	SyncID        string                 `json:"sync_id"`
	SkipCount     int                    `json:"skip_count"`
	LastMessageID string                 `json:"last_message_id"`
	LastPageToken string                 `json:"last_page_token"`
	FailedIDs     []string               `json:"failed_ids"`
	Query         string                 `json:"query"`
	Metadata      map[string]interface{} `json:"metadata"`
}
