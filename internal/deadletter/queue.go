// Package deadletter quarantines per-message sync failures so a single bad
// message never blocks a whole run, and schedules bounded exponential-backoff
// retries for them.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/storage"
)

const itemColumns = `id, message_id, failure_type, error_message, error_details,
	attempt_count, first_failure, last_failure, next_retry, resolved, resolved_at, context`

// ErrNotFound is returned when no dead letter row has the given id.
var ErrNotFound = errors.New("dead letter not found")

// ErrAlreadyResolved is returned when the row exists but was resolved before.
var ErrAlreadyResolved = errors.New("dead letter already resolved")

// Queue is the dead letter queue backed by the dead_letters table. It never
// retries anything itself; callers poll GetReadyForRetry and report outcomes
// back through AddFailure and MarkResolved.
type Queue struct {
	db     *storage.PostgresDB
	policy Policy
	logger zerolog.Logger
}

// NewQueue creates a dead letter queue with the given backoff policy
func NewQueue(db *storage.PostgresDB, policy Policy, logger zerolog.Logger) *Queue {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		db:     db,
		policy: policy,
		logger: logger.With().Str("component", "deadletter").Logger(),
	}
}

// Policy returns the queue's backoff policy
func (q *Queue) Policy() Policy {
	return q.policy
}

// AddFailure records a failure for (messageID, failureType). If an unresolved
// row for the pair already exists its attempt count is incremented and the
// next retry recomputed; otherwise a new row starts at attempt 1. The upsert
// is backed by the partial unique index, so concurrent writers cannot create
// duplicates. Returns the row id.
func (q *Queue) AddFailure(ctx context.Context, messageID string, failureType models.FailureType, errorMessage, errorDetails string, itemContext map[string]interface{}) (int64, error) {
	if messageID == "" {
		return 0, fmt.Errorf("message id cannot be empty")
	}
	if !failureType.Valid() {
		return 0, fmt.Errorf("invalid failure type %q", failureType)
	}

	now := time.Now().UTC()
	firstRetry := q.policy.NextRetry(now, 1)

	// On conflict the new attempt count is attempt_count+1, so the delay
	// doubles each time until max_retries exhausts the schedule.
	query := `
		INSERT INTO dead_letters (
			message_id, failure_type, error_message, error_details,
			attempt_count, first_failure, last_failure, next_retry, resolved, context
		)
		VALUES ($1, $2, $3, $4, 1, $5, $5, $6, FALSE, $7)
		ON CONFLICT (message_id, failure_type) WHERE NOT resolved
		DO UPDATE SET
			attempt_count = dead_letters.attempt_count + 1,
			error_message = EXCLUDED.error_message,
			error_details = EXCLUDED.error_details,
			last_failure = EXCLUDED.last_failure,
			next_retry = CASE
				WHEN dead_letters.attempt_count + 1 >= $8 THEN NULL
				ELSE EXCLUDED.last_failure + ($9 * interval '1 second') * power(2, dead_letters.attempt_count)
			END
		RETURNING id, attempt_count, next_retry IS NULL
	`

	var id int64
	var attempts int
	var exhausted bool
	err := q.db.Pool().QueryRow(ctx, query,
		messageID,
		string(failureType),
		errorMessage,
		errorDetails,
		now,
		firstRetry,
		itemContext,
		q.policy.MaxRetries,
		q.policy.BaseDelay.Seconds(),
	).Scan(&id, &attempts, &exhausted)
	if err != nil {
		return 0, fmt.Errorf("failed to record dead letter for %s: %w", messageID, err)
	}

	evt := q.logger.Warn().
		Str("message_id", messageID).
		Str("failure_type", string(failureType)).
		Int("attempt_count", attempts)
	if exhausted {
		evt.Msg("message failure exhausted automatic retries")
	} else {
		evt.Msg("message failure recorded")
	}

	return id, nil
}

// GetReadyForRetry returns unresolved items whose retry time has arrived,
// oldest schedule first, capped at limit.
func (q *Queue) GetReadyForRetry(ctx context.Context, limit int) ([]*models.DeadLetterItem, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM dead_letters
		WHERE NOT resolved AND next_retry IS NOT NULL AND next_retry <= $1
		ORDER BY next_retry ASC
		LIMIT $2
	`, itemColumns)

	return q.queryItems(ctx, query, time.Now().UTC(), limit)
}

// GetByMessageID returns every row (resolved or not) for a message.
func (q *Queue) GetByMessageID(ctx context.Context, messageID string) ([]*models.DeadLetterItem, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM dead_letters
		WHERE message_id = $1
		ORDER BY last_failure DESC
	`, itemColumns)

	return q.queryItems(ctx, query, messageID)
}

// GetByFailureType returns unresolved rows in one failure category.
func (q *Queue) GetByFailureType(ctx context.Context, failureType models.FailureType) ([]*models.DeadLetterItem, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM dead_letters
		WHERE NOT resolved AND failure_type = $1
		ORDER BY last_failure DESC
	`, itemColumns)

	return q.queryItems(ctx, query, string(failureType))
}

// GetExhausted returns unresolved items that ran out of automatic retries.
func (q *Queue) GetExhausted(ctx context.Context, limit int) ([]*models.DeadLetterItem, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM dead_letters
		WHERE NOT resolved AND next_retry IS NULL
		ORDER BY last_failure DESC
		LIMIT $1
	`, itemColumns)

	return q.queryItems(ctx, query, limit)
}

// MarkResolved resolves a single row, clearing its retry schedule. An
// optional reason is kept in the row context for audit.
func (q *Queue) MarkResolved(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE dead_letters
		SET resolved = TRUE,
			resolved_at = $2,
			next_retry = NULL,
			context = CASE
				WHEN $3 = '' THEN context
				ELSE COALESCE(context, '{}'::jsonb) || jsonb_build_object('resolution_reason', $3::text)
			END
		WHERE id = $1 AND NOT resolved
	`

	tag, err := q.db.Pool().Exec(ctx, query, id, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var resolved bool
		err := q.db.Pool().QueryRow(ctx, `SELECT resolved FROM dead_letters WHERE id = $1`, id).Scan(&resolved)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to look up dead letter %d: %w", id, err)
		}
		return fmt.Errorf("dead letter %d: %w", id, ErrAlreadyResolved)
	}

	q.logger.Info().Int64("id", id).Str("reason", reason).Msg("dead letter resolved")
	return nil
}

// MarkResolvedByMessage resolves every failure category for a message at
// once. Returns the number of rows resolved.
func (q *Queue) MarkResolvedByMessage(ctx context.Context, messageID string) (int, error) {
	query := `
		UPDATE dead_letters
		SET resolved = TRUE, resolved_at = $2, next_retry = NULL
		WHERE message_id = $1 AND NOT resolved
	`

	tag, err := q.db.Pool().Exec(ctx, query, messageID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve dead letters for %s: %w", messageID, err)
	}

	resolved := int(tag.RowsAffected())
	if resolved > 0 {
		q.logger.Info().Str("message_id", messageID).Int("resolved", resolved).Msg("dead letters resolved for message")
	}
	return resolved, nil
}

// ResetForRetry restarts the retry schedule of an exhausted, unresolved row.
// Returns false without changing anything for rows in any other condition.
func (q *Queue) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	next := q.policy.NextRetry(now, 1)

	query := `
		UPDATE dead_letters
		SET attempt_count = 0, next_retry = $2, last_failure = $3
		WHERE id = $1 AND NOT resolved AND next_retry IS NULL
	`

	tag, err := q.db.Pool().Exec(ctx, query, id, next, now)
	if err != nil {
		return false, fmt.Errorf("failed to reset dead letter %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	q.logger.Info().Int64("id", id).Msg("exhausted dead letter reset for retry")
	return true, nil
}

// CleanupResolved deletes resolved rows older than the retention window.
// Returns the number of rows deleted.
func (q *Queue) CleanupResolved(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	tag, err := q.db.Pool().Exec(ctx,
		`DELETE FROM dead_letters WHERE resolved AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up resolved dead letters: %w", err)
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		q.logger.Info().Int64("deleted", deleted).Msg("resolved dead letters cleaned up")
	}
	return deleted, nil
}

// GetStats aggregates the current shape of the queue.
func (q *Queue) GetStats(ctx context.Context) (*models.DeadLetterStats, error) {
	stats := &models.DeadLetterStats{
		ByFailureType: make(map[models.FailureType]int),
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT resolved),
			COUNT(*) FILTER (WHERE NOT resolved AND next_retry IS NOT NULL AND next_retry <= $1),
			COUNT(*) FILTER (WHERE NOT resolved AND next_retry IS NULL),
			COUNT(*) FILTER (WHERE resolved AND resolved_at >= date_trunc('day', $1::timestamptz)),
			COALESCE(AVG(attempt_count) FILTER (WHERE resolved), 0)
		FROM dead_letters
	`

	err := q.db.Pool().QueryRow(ctx, query, time.Now().UTC()).Scan(
		&stats.TotalPending,
		&stats.ReadyForRetry,
		&stats.Exhausted,
		&stats.ResolvedToday,
		&stats.AvgAttemptsToFix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate dead letter stats: %w", err)
	}

	rows, err := q.db.Pool().Query(ctx,
		`SELECT failure_type, COUNT(*) FROM dead_letters WHERE NOT resolved GROUP BY failure_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate dead letter counts by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ft string
		var count int
		if err := rows.Scan(&ft, &count); err != nil {
			return nil, fmt.Errorf("failed to scan failure type count: %w", err)
		}
		stats.ByFailureType[models.FailureType(ft)] = count
	}

	return stats, rows.Err()
}

// deadLetterExport is the JSON snapshot layout written by ExportToJSON.
type deadLetterExport struct {
	ExportedAt      time.Time                `json:"exported_at"`
	IncludeResolved bool                     `json:"include_resolved"`
	Count           int                      `json:"count"`
	Items           []*models.DeadLetterItem `json:"items"`
}

// ExportToJSON writes a snapshot of the queue to path for audit or manual
// triage.
func (q *Queue) ExportToJSON(ctx context.Context, path string, includeResolved bool) error {
	query := fmt.Sprintf(`SELECT %s FROM dead_letters`, itemColumns)
	var args []interface{}
	if !includeResolved {
		query += ` WHERE NOT resolved`
	}
	query += ` ORDER BY last_failure DESC`

	items, err := q.queryItems(ctx, query, args...)
	if err != nil {
		return err
	}

	export := deadLetterExport{
		ExportedAt:      time.Now().UTC(),
		IncludeResolved: includeResolved,
		Count:           len(items),
		Items:           items,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter export: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dead letter export: %w", err)
	}

	q.logger.Info().Str("path", path).Int("count", len(items)).Msg("dead letters exported")
	return nil
}

// queryItems runs a SELECT over the dead_letters columns and scans the rows.
func (q *Queue) queryItems(ctx context.Context, query string, args ...interface{}) ([]*models.DeadLetterItem, error) {
	rows, err := q.db.Pool().Query(ctx, query, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*models.DeadLetterItem
	for rows.Next() {
		var item models.DeadLetterItem
		var failureType string
		if err := rows.Scan(
			&item.ID,
			&item.MessageID,
			&failureType,
			&item.ErrorMessage,
			&item.ErrorDetails,
			&item.AttemptCount,
			&item.FirstFailure,
			&item.LastFailure,
			&item.NextRetry,
			&item.Resolved,
			&item.ResolvedAt,
			&item.Context,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		item.FailureType = models.FailureType(failureType)
		items = append(items, &item)
	}

	return items, rows.Err()
}
