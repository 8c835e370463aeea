package models

import (
	"strings"
	"time"
)

// Account represents a mirrored mailbox and its destination chat
type Account struct {
	ID         int64     `db:"id"`
	Email      string    `db:"email"`
	Password   string    `db:"password"`    // Encrypted password
	IMAPServer string    `db:"imap_server"` // e.g., imap.gmail.com:993
	ChatID     int64     `db:"chat_id"`     // Telegram forum supergroup ID
	Folders    string    `db:"folders"`     // Comma separated folder override, empty means defaults
	SentFolder string    `db:"sent_folder"` // Folder holding mail the bot itself sent
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// MonitoredFolders returns the folder override, or defaults when none is set
func (a *Account) MonitoredFolders(defaults []string) []string {
	var folders []string
	for _, f := range strings.Split(a.Folders, ",") {
		if f = strings.TrimSpace(f); f != "" {
			folders = append(folders, f)
		}
	}
	if len(folders) == 0 {
		folders = append(folders, defaults...)
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}
	return folders
}
