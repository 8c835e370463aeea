package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mixelka/tgmailsync/internal/poller"
	"github.com/mixelka/tgmailsync/pkg/models"
)

func TestFormatStatus(t *testing.T) {
	accounts := []*models.Account{
		{ID: 1, Email: "ok@example.com", IMAPServer: "imap.example.com:993", IsActive: true},
		{ID: 2, Email: "broken@example.com", IMAPServer: "imap.example.com:993", IsActive: true},
		{ID: 3, Email: "new@example.com", IMAPServer: "imap.example.com:993", IsActive: true},
		{ID: 4, Email: "off@example.com", IMAPServer: "imap.example.com:993"},
	}
	last := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []poller.AccountStatus{
		{AccountID: 1, LastRun: last, Delivered: 2},
		{AccountID: 2, LastRun: last, Failed: 1, Err: errors.New("login <failed>")},
	}

	out := formatStatus(accounts, statuses)

	assert.Contains(t, out, "🟢 <b>ok@example.com</b>")
	assert.Contains(t, out, "Доставлено: 2, ошибок: 0")
	assert.Contains(t, out, "🔴 <b>broken@example.com</b>")
	assert.Contains(t, out, "<code>login &lt;failed&gt;</code>")
	assert.Contains(t, out, "🟡 <b>new@example.com</b>")
	assert.Contains(t, out, "⚪ <b>off@example.com</b>")
	assert.Contains(t, out, "2024-03-01 12:00:00")
}

func TestCheckResultText(t *testing.T) {
	assert.Equal(t, "Новых писем нет", checkResultText(0))
	assert.Equal(t, "Доставлено новых писем: 3", checkResultText(3))
}
