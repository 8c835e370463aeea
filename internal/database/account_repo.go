package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/tgmailsync/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// UpsertAccount creates an account or updates the one with the same chat and email
func (db *DB) UpsertAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO email_accounts (email, password, imap_server, chat_id, folders, sent_folder, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, email) DO UPDATE SET
			password = excluded.password,
			imap_server = excluded.imap_server,
			folders = excluded.folders,
			sent_folder = excluded.sent_folder,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		account.Email,
		account.Password,
		account.IMAPServer,
		account.ChatID,
		account.Folders,
		account.SentFolder,
		account.IsActive,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	// LastInsertId is unreliable for the update branch of an upsert
	var id int64
	err = db.GetContext(ctx, &id, `SELECT id FROM email_accounts WHERE chat_id = ? AND email = ?`, account.ChatID, account.Email)
	if err != nil {
		return fmt.Errorf("failed to get account id: %w", err)
	}

	account.ID = id
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM email_accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountsByChatID returns all accounts for a chat
func (db *DB) GetAccountsByChatID(ctx context.Context, chatID int64) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM email_accounts WHERE chat_id = ? ORDER BY created_at DESC`
	err := db.SelectContext(ctx, &accounts, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetAllActiveAccounts returns all active accounts
func (db *DB) GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM email_accounts WHERE is_active = true ORDER BY id`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// GetManagedChatIDs returns the distinct destination chats of active accounts
func (db *DB) GetManagedChatIDs(ctx context.Context) ([]int64, error) {
	var chatIDs []int64
	query := `SELECT DISTINCT chat_id FROM email_accounts WHERE is_active = true ORDER BY chat_id`
	err := db.SelectContext(ctx, &chatIDs, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed chats: %w", err)
	}
	return chatIDs, nil
}

// SetAccountActive sets the active status of an account
func (db *DB) SetAccountActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE email_accounts SET is_active = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	return nil
}
