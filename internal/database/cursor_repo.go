package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetChatEventCursor returns the last processed deletion-log event id of a chat, 0 if none
func (db *DB) GetChatEventCursor(ctx context.Context, chatID int64) (int64, error) {
	var eventID int64
	err := db.GetContext(ctx, &eventID, `SELECT last_event_id FROM chat_event_cursors WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get chat event cursor: %w", err)
	}
	return eventID, nil
}

// AdvanceChatEventCursor moves the cursor forward. It never moves backwards.
func (db *DB) AdvanceChatEventCursor(ctx context.Context, chatID, eventID int64) error {
	query := `
		INSERT INTO chat_event_cursors (chat_id, last_event_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_event_id = MAX(chat_event_cursors.last_event_id, excluded.last_event_id),
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query, chatID, eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to advance chat event cursor: %w", err)
	}
	return nil
}
