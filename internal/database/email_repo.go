package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/tgmailsync/pkg/models"
)

// ErrAlreadyBound is returned when a record is already bound to another thread
var ErrAlreadyBound = errors.New("email already bound to a different thread")

// InsertEmail creates a new email record (ignores if the mailbox UID already exists)
func (db *DB) InsertEmail(ctx context.Context, rec *models.EmailRecord) error {
	query := `
		INSERT OR IGNORE INTO emails (account_id, message_id, uid, uid_validity, mailbox, sender, recipients, subject,
			normalized_subject, date, body_text, body_html, thread_id, in_reply_to, references_header, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		rec.AccountID,
		rec.MessageID,
		rec.UID,
		rec.UIDValidity,
		rec.Mailbox,
		rec.Sender,
		rec.Recipients,
		rec.Subject,
		rec.NormalizedSubject,
		rec.Date.UTC(),
		rec.BodyText,
		rec.BodyHTML,
		rec.ThreadID,
		rec.InReplyTo,
		rec.References,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create email: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = now
	return nil
}

// EnsureEmail inserts the record if absent and returns the stored row
func (db *DB) EnsureEmail(ctx context.Context, rec *models.EmailRecord) (*models.EmailRecord, error) {
	err := db.InsertEmail(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, err
	}
	return db.GetEmailByMailboxUID(ctx, rec.AccountID, rec.Mailbox, rec.UIDValidity, rec.UID)
}

// GetEmailByID returns an email by ID
func (db *DB) GetEmailByID(ctx context.Context, id int64) (*models.EmailRecord, error) {
	var rec models.EmailRecord
	err := db.GetContext(ctx, &rec, `SELECT * FROM emails WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &rec, nil
}

// GetEmailByMailboxUID returns an email by its mailbox-scoped UID
func (db *DB) GetEmailByMailboxUID(ctx context.Context, accountID int64, mailbox string, uidValidity uint32, uid string) (*models.EmailRecord, error) {
	var rec models.EmailRecord
	query := `SELECT * FROM emails WHERE account_id = ? AND mailbox = ? AND uid_validity = ? AND uid = ?`
	err := db.GetContext(ctx, &rec, query, accountID, mailbox, uidValidity, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &rec, nil
}

// GetBoundEmailByMessageID returns the record of the account with that Message-ID
// that already has a thread binding
func (db *DB) GetBoundEmailByMessageID(ctx context.Context, accountID int64, messageID string) (*models.EmailRecord, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	var rec models.EmailRecord
	query := `
		SELECT * FROM emails
		WHERE account_id = ? AND message_id = ? AND thread_id IS NOT NULL
		ORDER BY id
		LIMIT 1
	`
	err := db.GetContext(ctx, &rec, query, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email by message id: %w", err)
	}
	return &rec, nil
}

// FindThreadByMessageID returns the thread bound to the account's email with that Message-ID
func (db *DB) FindThreadByMessageID(ctx context.Context, accountID int64, messageID string) (int, bool, error) {
	rec, err := db.GetBoundEmailByMessageID(ctx, accountID, messageID)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return *rec.ThreadID, true, nil
}

// FindThreadBySubject returns the thread of the most recent bound email of the account
// with the same normalized subject. A zero since disables the recency cutoff.
func (db *DB) FindThreadBySubject(ctx context.Context, accountID int64, normalizedSubject string, since time.Time) (int, bool, error) {
	if normalizedSubject == "" {
		return 0, false, nil
	}

	query := `
		SELECT thread_id FROM emails
		WHERE account_id = ? AND normalized_subject = ? AND thread_id IS NOT NULL
	`
	args := []any{accountID, normalizedSubject}
	if !since.IsZero() {
		query += ` AND date >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY date DESC, id DESC LIMIT 1`

	var threadID int
	err := db.GetContext(ctx, &threadID, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find thread by subject: %w", err)
	}
	return threadID, true, nil
}

// BindThread sets the thread binding of an email. The binding is written once:
// rebinding to the same thread is a no-op, rebinding to another returns ErrAlreadyBound.
func (db *DB) BindThread(ctx context.Context, id int64, threadID int) error {
	query := `UPDATE emails SET thread_id = ? WHERE id = ? AND thread_id IS NULL`
	result, err := db.ExecContext(ctx, query, threadID, id)
	if err != nil {
		return fmt.Errorf("failed to bind thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	rec, err := db.GetEmailByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.ThreadID != nil && *rec.ThreadID == threadID {
		return nil
	}
	return ErrAlreadyBound
}

// GetDeletionTargets returns the emails bound to a thread of the given chat
func (db *DB) GetDeletionTargets(ctx context.Context, chatID int64, threadID int) ([]*models.EmailRecord, error) {
	var recs []*models.EmailRecord
	query := `
		SELECT e.* FROM emails e
		JOIN email_accounts a ON e.account_id = a.id
		WHERE a.chat_id = ? AND e.thread_id = ?
		ORDER BY e.account_id, e.mailbox, e.id
	`
	err := db.SelectContext(ctx, &recs, query, chatID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deletion targets: %w", err)
	}
	return recs, nil
}

// DeleteEmail deletes an email record
func (db *DB) DeleteEmail(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	return nil
}

// GetThreadIDByMessageID returns the thread an email was delivered into, for routing chat replies back to mail
func (db *DB) GetThreadIDByMessageID(ctx context.Context, accountID int64, messageID string) (int, error) {
	threadID, found, err := db.FindThreadByMessageID(ctx, accountID, messageID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	return threadID, nil
}
