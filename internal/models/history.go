package models

import (
	"time"
)

// HistoryRecord is one entry in the remote change log. A single record may
// carry any combination of additions, deletions and label changes; records
// arrive oldest-to-newest within a page.
type HistoryRecord struct {
	ID              uint64         `json:"id"`
	MessagesAdded   []AddedMessage `json:"messages_added,omitempty"`
	MessagesDeleted []string       `json:"messages_deleted,omitempty"`
	LabelsAdded     []LabelChange  `json:"labels_added,omitempty"`
	LabelsRemoved   []LabelChange  `json:"labels_removed,omitempty"`
}

// AddedMessage identifies a newly added message and its initial labels.
type AddedMessage struct {
	MessageID string   `json:"message_id"`
	LabelIDs  []string `json:"label_ids,omitempty"`
}

// LabelChange records labels added to or removed from an existing message.
type LabelChange struct {
	MessageID string   `json:"message_id"`
	LabelIDs  []string `json:"label_ids"`
	Added     bool     `json:"added"`
}

// HistorySyncResult carries the outcome of one sync-from-history pass.
// NewHistoryID is only advanced to the id actually reached, so a partial
// failure still yields a valid forward step.
type HistorySyncResult struct {
	Success            bool          `json:"success"`
	StartHistoryID     uint64        `json:"start_history_id"`
	NewHistoryID       uint64        `json:"new_history_id"`
	AddedMessageIDs    []string      `json:"added_message_ids"`
	DeletedMessageIDs  []string      `json:"deleted_message_ids"`
	LabelChanges       []LabelChange `json:"label_changes"`
	PagesProcessed     int           `json:"pages_processed"`
	FullResyncRequired bool          `json:"full_resync_required"`
	Error              string        `json:"error,omitempty"`
}

// Message is a fully fetched mail message, the unit the sync pipeline stores.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	HistoryID uint64    `json:"history_id"`
	LabelIDs  []string  `json:"label_ids"`
	Snippet   string    `json:"snippet"`
	SizeBytes int64     `json:"size_bytes"`
	Internal  time.Time `json:"internal_date"`
	Raw       []byte    `json:"-"`
}

// SyncStateRecord is the per-source watermark row. LastHistoryID only moves
// forward except via explicit operator reset.
type SyncStateRecord struct {
	Source        string                 `json:"source" db:"source"`
	LastHistoryID uint64                 `json:"last_history_id" db:"last_history_id"`
	LastSyncAt    time.Time              `json:"last_sync_at" db:"last_sync_at"`
	TotalSynced   int64                  `json:"total_synced" db:"total_synced"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" db:"updated_at"`
}
