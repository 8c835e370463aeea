package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/internal/threading"
	"github.com/mixelka/tgmailsync/pkg/models"
)

// NewRecord builds the stored form of a fetched message
func NewRecord(accountID int64, msg *email.Message) *models.EmailRecord {
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}

	return &models.EmailRecord{
		AccountID:         accountID,
		MessageID:         msg.MessageID,
		UID:               strconv.FormatUint(uint64(msg.UID), 10),
		UIDValidity:       msg.UIDValidity,
		Mailbox:           msg.Mailbox,
		Sender:            msg.From.String(),
		Recipients:        msg.Recipients(),
		Subject:           msg.Subject,
		NormalizedSubject: threading.NormalizeSubject(msg.Subject),
		Date:              date.UTC(),
		BodyText:          msg.BodyText,
		BodyHTML:          msg.BodyHTML,
		InReplyTo:         msg.InReplyTo,
		References:        strings.Join(msg.References, " "),
	}
}

// MirrorOutgoing records mail the bot itself sent and delivers it into the replied-to
// thread, or a new one. The record gets a synthetic UID that never collides with server UIDs.
func (e *Engine) MirrorOutgoing(ctx context.Context, account *models.Account, msg *email.Message) (*Result, error) {
	out := *msg
	out.UID = 0
	out.Mailbox = models.OutgoingMailbox

	rec := NewRecord(account.ID, &out)
	rec.UID = models.OutgoingUIDPrefix + uuid.NewString()

	if err := e.store.InsertEmail(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store outgoing email: %w", err)
	}

	e.logger.Info("mirroring outgoing email", "account_id", account.ID, "uid", rec.UID, "message_id", rec.MessageID)
	return e.Deliver(ctx, Request{Account: account, Record: rec, Message: &out})
}
