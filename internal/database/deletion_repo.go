package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/tgmailsync/pkg/models"
)

// UpsertPendingDeletion records a deleted thread. Re-observing an event is a no-op,
// and a processed row is never reopened.
func (db *DB) UpsertPendingDeletion(ctx context.Context, chatID int64, threadID int, eventID int64, detectedAt time.Time) error {
	query := `
		INSERT INTO pending_deletions (chat_id, thread_id, event_id, detected_at, processed_at, attempts, last_error)
		VALUES (?, ?, ?, ?, NULL, 0, NULL)
		ON CONFLICT(chat_id, thread_id) DO UPDATE SET
			event_id = excluded.event_id
		WHERE pending_deletions.processed_at IS NULL
	`
	_, err := db.ExecContext(ctx, query, chatID, threadID, eventID, detectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert pending deletion: %w", err)
	}
	return nil
}

// GetPendingDeletion returns the deletion row of a thread
func (db *DB) GetPendingDeletion(ctx context.Context, chatID int64, threadID int) (*models.PendingDeletion, error) {
	var pd models.PendingDeletion
	query := `SELECT * FROM pending_deletions WHERE chat_id = ? AND thread_id = ?`
	err := db.GetContext(ctx, &pd, query, chatID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending deletion: %w", err)
	}
	return &pd, nil
}

// ListPendingDeletions returns the unprocessed deletions of a chat, oldest first
func (db *DB) ListPendingDeletions(ctx context.Context, chatID int64) ([]*models.PendingDeletion, error) {
	var rows []*models.PendingDeletion
	query := `
		SELECT * FROM pending_deletions
		WHERE chat_id = ? AND processed_at IS NULL
		ORDER BY event_id ASC
	`
	err := db.SelectContext(ctx, &rows, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletions: %w", err)
	}
	return rows, nil
}

// MarkDeletionProcessed marks a deletion as carried out. The successful attempt is counted too.
func (db *DB) MarkDeletionProcessed(ctx context.Context, chatID int64, threadID int) error {
	query := `
		UPDATE pending_deletions
		SET processed_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE chat_id = ? AND thread_id = ? AND processed_at IS NULL
	`
	_, err := db.ExecContext(ctx, query, time.Now().UTC(), chatID, threadID)
	if err != nil {
		return fmt.Errorf("failed to mark deletion processed: %w", err)
	}
	return nil
}

// RecordDeletionFailure increments the attempt count and keeps the row pending
func (db *DB) RecordDeletionFailure(ctx context.Context, chatID int64, threadID int, cause error) error {
	query := `
		UPDATE pending_deletions
		SET attempts = attempts + 1, last_error = ?
		WHERE chat_id = ? AND thread_id = ? AND processed_at IS NULL
	`
	_, err := db.ExecContext(ctx, query, cause.Error(), chatID, threadID)
	if err != nil {
		return fmt.Errorf("failed to record deletion failure: %w", err)
	}
	return nil
}
