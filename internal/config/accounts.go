package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/pkg/models"
)

// AccountEntry is one account of the seed file
type AccountEntry struct {
	Email      string   `yaml:"email"`
	Password   string   `yaml:"password"`
	IMAPServer string   `yaml:"imap_server"`
	ChatID     int64    `yaml:"chat_id"`
	Folders    []string `yaml:"folders"`
	SentFolder string   `yaml:"sent_folder"`
	Active     *bool    `yaml:"active"`
}

type accountsFile struct {
	Accounts []AccountEntry `yaml:"accounts"`
}

// LoadAccounts reads the seed file. A missing file yields no accounts.
func LoadAccounts(path string) ([]AccountEntry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i, a := range f.Accounts {
		if a.Email == "" || a.Password == "" {
			return nil, fmt.Errorf("account %d: email and password are required", i+1)
		}
		if a.ChatID == 0 {
			return nil, fmt.Errorf("account %s: chat_id is required", a.Email)
		}
	}
	return f.Accounts, nil
}

// Encrypter encrypts passwords before storage
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// AccountStore stores seeded accounts
type AccountStore interface {
	UpsertAccount(ctx context.Context, account *models.Account) error
}

// ServerResolver finds the IMAP server of an address
type ServerResolver func(ctx context.Context, address string) (string, error)

// SeedAccounts upserts every entry by (chat_id, email) and returns how many were stored
func SeedAccounts(ctx context.Context, entries []AccountEntry, store AccountStore, secrets Encrypter, resolve ServerResolver, logger *slog.Logger) (int, error) {
	if resolve == nil {
		resolve = email.ResolveIMAPServer
	}

	for _, e := range entries {
		server := e.IMAPServer
		if server == "" {
			var err error
			server, err = resolve(ctx, e.Email)
			if err != nil {
				return 0, fmt.Errorf("failed to resolve IMAP server for %s: %w", e.Email, err)
			}
			logger.Info("resolved IMAP server", "email", e.Email, "server", server)
		} else {
			server = email.NormalizeServer(server)
		}

		encrypted, err := secrets.Encrypt(e.Password)
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt password for %s: %w", e.Email, err)
		}

		active := true
		if e.Active != nil {
			active = *e.Active
		}

		account := &models.Account{
			Email:      e.Email,
			Password:   encrypted,
			IMAPServer: server,
			ChatID:     e.ChatID,
			Folders:    strings.Join(e.Folders, ","),
			SentFolder: e.SentFolder,
			IsActive:   active,
		}
		if err := store.UpsertAccount(ctx, account); err != nil {
			return 0, err
		}
		logger.Debug("account seeded", "account_id", account.ID, "email", e.Email, "chat_id", e.ChatID)
	}

	return len(entries), nil
}
