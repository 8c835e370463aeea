package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/tgmailsync/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func newTestAccount(t *testing.T, db *DB, chatID int64, email string) *models.Account {
	t.Helper()
	acc := &models.Account{
		Email:      email,
		Password:   "secret",
		IMAPServer: "imap.example.com:993",
		ChatID:     chatID,
		IsActive:   true,
	}
	require.NoError(t, db.UpsertAccount(context.Background(), acc))
	return acc
}

func newTestRecord(accountID int64, uid, messageID, subject string, date time.Time) *models.EmailRecord {
	return &models.EmailRecord{
		AccountID:         accountID,
		MessageID:         messageID,
		UID:               uid,
		Mailbox:           "INBOX",
		Sender:            "alice@example.com",
		Subject:           subject,
		NormalizedSubject: subject,
		Date:              date,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestUpsertAccount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	acc := newTestAccount(t, db, -100123, "a@example.com")
	require.NotZero(t, acc.ID)

	again := &models.Account{Email: "a@example.com", Password: "new", IMAPServer: "imap.other.com:993", ChatID: -100123, IsActive: true}
	require.NoError(t, db.UpsertAccount(ctx, again))
	assert.Equal(t, acc.ID, again.ID)

	stored, err := db.GetAccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.Password)
	assert.Equal(t, "imap.other.com:993", stored.IMAPServer)

	_, err = db.GetAccountByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagedChatIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	newTestAccount(t, db, -1001, "a@example.com")
	newTestAccount(t, db, -1001, "b@example.com")
	off := newTestAccount(t, db, -1002, "c@example.com")
	require.NoError(t, db.SetAccountActive(ctx, off.ID, false))

	chats, err := db.GetManagedChatIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1001}, chats)

	active, err := db.GetAllActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestInsertEmailDeduplicatesByMailboxUID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	acc := newTestAccount(t, db, -1001, "a@example.com")

	rec := newTestRecord(acc.ID, "42", "m1@example.com", "hello", time.Now())
	require.NoError(t, db.InsertEmail(ctx, rec))
	require.NotZero(t, rec.ID)

	dup := newTestRecord(acc.ID, "42", "m1@example.com", "hello", time.Now())
	assert.ErrorIs(t, db.InsertEmail(ctx, dup), ErrAlreadyExists)

	// Same UID in another folder is a different message
	other := newTestRecord(acc.ID, "42", "m2@example.com", "hello", time.Now())
	other.Mailbox = "Archive"
	require.NoError(t, db.InsertEmail(ctx, other))

	// So is the same UID after the mailbox was reset
	reset := newTestRecord(acc.ID, "42", "m3@example.com", "hello", time.Now())
	reset.UIDValidity = 2
	require.NoError(t, db.InsertEmail(ctx, reset))

	stored, err := db.EnsureEmail(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	found, err := db.GetEmailByMailboxUID(ctx, acc.ID, rec.Mailbox, 2, "42")
	require.NoError(t, err)
	assert.Equal(t, reset.ID, found.ID)
	assert.Equal(t, uint32(2), found.UIDValidity)
}

func TestBindThreadIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	acc := newTestAccount(t, db, -1001, "a@example.com")

	rec := newTestRecord(acc.ID, "1", "m1@example.com", "hello", time.Now())
	require.NoError(t, db.InsertEmail(ctx, rec))

	require.NoError(t, db.BindThread(ctx, rec.ID, 77))
	require.NoError(t, db.BindThread(ctx, rec.ID, 77))
	assert.ErrorIs(t, db.BindThread(ctx, rec.ID, 78), ErrAlreadyBound)
	assert.ErrorIs(t, db.BindThread(ctx, 9999, 78), ErrNotFound)

	stored, err := db.GetEmailByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ThreadID)
	assert.Equal(t, 77, *stored.ThreadID)
}

func TestFindThreadByMessageID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	acc := newTestAccount(t, db, -1001, "a@example.com")
	otherAcc := newTestAccount(t, db, -1001, "b@example.com")

	rec := newTestRecord(acc.ID, "1", "m1@example.com", "hello", time.Now())
	require.NoError(t, db.InsertEmail(ctx, rec))

	_, found, err := db.FindThreadByMessageID(ctx, acc.ID, "m1@example.com")
	require.NoError(t, err)
	assert.False(t, found, "unbound records never resolve")

	require.NoError(t, db.BindThread(ctx, rec.ID, 5))

	threadID, found, err := db.FindThreadByMessageID(ctx, acc.ID, "m1@example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, threadID)

	_, found, err = db.FindThreadByMessageID(ctx, otherAcc.ID, "m1@example.com")
	require.NoError(t, err)
	assert.False(t, found, "lookups are scoped to the account")

	_, found, err = db.FindThreadByMessageID(ctx, acc.ID, "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindThreadBySubject(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	acc := newTestAccount(t, db, -1001, "a@example.com")
	now := time.Now().UTC()

	old := newTestRecord(acc.ID, "1", "m1@example.com", "report", now.Add(-60*24*time.Hour))
	require.NoError(t, db.InsertEmail(ctx, old))
	require.NoError(t, db.BindThread(ctx, old.ID, 10))

	recent := newTestRecord(acc.ID, "2", "m2@example.com", "report", now.Add(-time.Hour))
	require.NoError(t, db.InsertEmail(ctx, recent))
	require.NoError(t, db.BindThread(ctx, recent.ID, 11))

	tests := []struct {
		name    string
		subject string
		since   time.Time
		want    int
		found   bool
	}{
		{name: "most recent wins", subject: "report", since: time.Time{}, want: 11, found: true},
		{name: "within window", subject: "report", since: now.Add(-2 * time.Hour), want: 11, found: true},
		{name: "outside window", subject: "report", since: now.Add(-time.Minute), found: false},
		{name: "unknown subject", subject: "other", found: false},
		{name: "empty subject never matches", subject: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := db.FindThreadBySubject(ctx, acc.ID, tt.subject, tt.since)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetDeletionTargets(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	a := newTestAccount(t, db, -1001, "a@example.com")
	b := newTestAccount(t, db, -1002, "b@example.com")

	r1 := newTestRecord(a.ID, "1", "m1@example.com", "x", time.Now())
	r2 := newTestRecord(a.ID, "2", "m2@example.com", "x", time.Now())
	r3 := newTestRecord(b.ID, "3", "m3@example.com", "x", time.Now())
	for _, r := range []*models.EmailRecord{r1, r2, r3} {
		require.NoError(t, db.InsertEmail(ctx, r))
		require.NoError(t, db.BindThread(ctx, r.ID, 9))
	}

	targets, err := db.GetDeletionTargets(ctx, -1001, 9)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, r1.ID, targets[0].ID)
	assert.Equal(t, r2.ID, targets[1].ID)

	require.NoError(t, db.DeleteEmail(ctx, r1.ID))
	targets, err = db.GetDeletionTargets(ctx, -1001, 9)
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestChatEventCursorNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	id, err := db.GetChatEventCursor(ctx, -1001)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, db.AdvanceChatEventCursor(ctx, -1001, 50))
	require.NoError(t, db.AdvanceChatEventCursor(ctx, -1001, 20))

	id, err = db.GetChatEventCursor(ctx, -1001)
	require.NoError(t, err)
	assert.Equal(t, int64(50), id)
}

func TestPendingDeletionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.UpsertPendingDeletion(ctx, -1001, 7, 100, now))
	require.NoError(t, db.UpsertPendingDeletion(ctx, -1001, 7, 100, now))
	require.NoError(t, db.UpsertPendingDeletion(ctx, -1001, 8, 101, now))

	pending, err := db.ListPendingDeletions(ctx, -1001)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 7, pending[0].ThreadID)

	require.NoError(t, db.RecordDeletionFailure(ctx, -1001, 7, errors.New("imap down")))
	pd, err := db.GetPendingDeletion(ctx, -1001, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, pd.Attempts)
	require.NotNil(t, pd.LastError)
	assert.Equal(t, "imap down", *pd.LastError)
	assert.False(t, pd.Processed())

	require.NoError(t, db.MarkDeletionProcessed(ctx, -1001, 7))
	pd, err = db.GetPendingDeletion(ctx, -1001, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, pd.Attempts, "the successful attempt is counted")
	assert.Nil(t, pd.LastError)

	// Marking twice does not count again
	require.NoError(t, db.MarkDeletionProcessed(ctx, -1001, 7))
	pd, err = db.GetPendingDeletion(ctx, -1001, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, pd.Attempts)

	pending, err = db.ListPendingDeletions(ctx, -1001)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 8, pending[0].ThreadID)

	// A replayed event never reopens a processed deletion
	require.NoError(t, db.UpsertPendingDeletion(ctx, -1001, 7, 100, now))
	pd, err = db.GetPendingDeletion(ctx, -1001, 7)
	require.NoError(t, err)
	assert.True(t, pd.Processed())
}
