package models

import (
	"time"
)

// FailureType categorizes why a message failed to sync. The set is closed so
// switch points can be checked exhaustively.
type FailureType string

const (
	FailureFetch         FailureType = "fetch_error"
	FailureParse         FailureType = "parse_error"
	FailureSave          FailureType = "save_error"
	FailureDelete        FailureType = "delete_error"
	FailureRateLimit     FailureType = "rate_limit"
	FailureAuth          FailureType = "auth_error"
	FailureNetwork       FailureType = "network_error"
	FailureQuotaExceeded FailureType = "quota_exceeded"
	FailureInvalidData   FailureType = "invalid_data"
	FailureUnknown       FailureType = "unknown"
)

// AllFailureTypes lists every failure category, in a stable order for stats
// reporting.
var AllFailureTypes = []FailureType{
	FailureFetch,
	FailureParse,
	FailureSave,
	FailureDelete,
	FailureRateLimit,
	FailureAuth,
	FailureNetwork,
	FailureQuotaExceeded,
	FailureInvalidData,
	FailureUnknown,
}

// Valid reports whether the value is a member of the closed failure set.
func (f FailureType) Valid() bool {
	switch f {
	case FailureFetch, FailureParse, FailureSave, FailureDelete, FailureRateLimit,
		FailureAuth, FailureNetwork, FailureQuotaExceeded, FailureInvalidData, FailureUnknown:
		return true
	}
	return false
}

// DeadLetterItem is one (message, failure category) pair quarantined from the
// main sync flow. At most one unresolved row exists per pair; repeated
// failures increment AttemptCount instead of inserting duplicates.
type DeadLetterItem struct {
	ID           int64                  `json:"id" db:"id"`
	MessageID    string                 `json:"message_id" db:"message_id"`
	FailureType  FailureType            `json:"failure_type" db:"failure_type"`
	ErrorMessage string                 `json:"error_message" db:"error_message"`
	ErrorDetails string                 `json:"error_details,omitempty" db:"error_details"`
	AttemptCount int                    `json:"attempt_count" db:"attempt_count"`
	FirstFailure time.Time              `json:"first_failure" db:"first_failure"`
	LastFailure  time.Time              `json:"last_failure" db:"last_failure"`
	NextRetry    *time.Time             `json:"next_retry,omitempty" db:"next_retry"`
	Resolved     bool                   `json:"resolved" db:"resolved"`
	ResolvedAt   *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
	Context      map[string]interface{} `json:"context,omitempty" db:"context"`
}

// IsRetriable reports whether the item still has a scheduled retry.
func (d *DeadLetterItem) IsRetriable() bool {
	return !d.Resolved && d.NextRetry != nil
}

// IsExhausted reports whether the item ran out of automatic retries.
func (d *DeadLetterItem) IsExhausted() bool {
	return !d.Resolved && d.NextRetry == nil
}

// DeadLetterStats aggregates the current shape of the queue.
type DeadLetterStats struct {
	TotalPending     int                 `json:"total_pending"`
	ByFailureType    map[FailureType]int `json:"by_failure_type"`
	ReadyForRetry    int                 `json:"ready_for_retry"`
	Exhausted        int                 `json:"exhausted"`
	ResolvedToday    int                 `json:"resolved_today"`
	AvgAttemptsToFix float64             `json:"avg_attempts_to_resolve"`
}
