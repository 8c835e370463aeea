package models

import (
	"strconv"
	"strings"
	"time"
)

// OutgoingUIDPrefix namespaces synthetic UIDs of mail the bot itself sent
const OutgoingUIDPrefix = "outgoing:"

// OutgoingMailbox is the mailbox recorded for synthetic outgoing records
const OutgoingMailbox = "OUTGOING"

// EmailRecord is a mirrored email and its thread binding
type EmailRecord struct {
	ID                int64     `db:"id"`
	AccountID         int64     `db:"account_id"`
	MessageID         string    `db:"message_id"` // Message-ID header without angle brackets
	UID               string    `db:"uid"`        // Provider UID, or outgoing:<uuid>
	UIDValidity       uint32    `db:"uid_validity"`
	Mailbox           string    `db:"mailbox"`
	Sender            string    `db:"sender"`
	Recipients        string    `db:"recipients"`
	Subject           string    `db:"subject"`
	NormalizedSubject string    `db:"normalized_subject"`
	Date              time.Time `db:"date"`
	BodyText          string    `db:"body_text"`
	BodyHTML          string    `db:"body_html"`
	ThreadID          *int      `db:"thread_id"` // Telegram message_thread_id, nil until bound
	InReplyTo         string    `db:"in_reply_to"`
	References        string    `db:"references_header"` // Space separated, oldest first
	CreatedAt         time.Time `db:"created_at"`
}

// IsOutgoing reports whether the record is a synthetic outgoing record
func (r *EmailRecord) IsOutgoing() bool {
	return strings.HasPrefix(r.UID, OutgoingUIDPrefix)
}

// IsBound reports whether the record has a thread binding
func (r *EmailRecord) IsBound() bool {
	return r.ThreadID != nil
}

// ProviderUID returns the server-side UID. ok is false for synthetic records.
func (r *EmailRecord) ProviderUID() (uint32, bool) {
	if r.IsOutgoing() {
		return 0, false
	}
	uid, err := strconv.ParseUint(r.UID, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(uid), true
}

// ReferenceList returns the References header entries, oldest first
func (r *EmailRecord) ReferenceList() []string {
	return strings.Fields(r.References)
}
