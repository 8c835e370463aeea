package threading

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/tgmailsync/internal/database"
	"github.com/mixelka/tgmailsync/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type resolverFixture struct {
	db      *database.DB
	account *models.Account
}

func newFixture(t *testing.T) *resolverFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(filepath.Join(t.TempDir(), "threading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	acc := &models.Account{Email: "a@example.com", Password: "x", IMAPServer: "imap.example.com:993", ChatID: -1001, IsActive: true}
	require.NoError(t, db.UpsertAccount(ctx, acc))

	return &resolverFixture{db: db, account: acc}
}

func (f *resolverFixture) bound(t *testing.T, uid, messageID, subject string, date time.Time, threadID int) {
	t.Helper()
	ctx := context.Background()
	rec := &models.EmailRecord{
		AccountID:         f.account.ID,
		MessageID:         messageID,
		UID:               uid,
		Mailbox:           "INBOX",
		Subject:           subject,
		NormalizedSubject: NormalizeSubject(subject),
		Date:              date,
	}
	require.NoError(t, f.db.InsertEmail(ctx, rec))
	require.NoError(t, f.db.BindThread(ctx, rec.ID, threadID))
}

func TestResolveReplyToInvoice(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.bound(t, "1", "invoice@example.com", "Invoice #5", now.Add(-time.Hour), 42)

	r := NewResolver(f.db, 30*24*time.Hour, testLogger())
	res, err := r.Resolve(context.Background(), Query{
		AccountID: f.account.ID,
		InReplyTo: "invoice@example.com",
		Subject:   "something else entirely",
		Date:      now,
	})

	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 42, res.ThreadID)
	assert.Equal(t, MethodInReplyTo, res.Method)
}

func TestResolvePrecedence(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.bound(t, "1", "root@example.com", "Topic A", now.Add(-3*time.Hour), 10)
	f.bound(t, "2", "mid@example.com", "Topic B", now.Add(-2*time.Hour), 20)
	f.bound(t, "3", "other@example.com", "Topic C", now.Add(-time.Hour), 30)

	r := NewResolver(f.db, 0, testLogger())

	tests := []struct {
		name   string
		query  Query
		thread int
		found  bool
		method Method
	}{
		{
			name:   "in-reply-to beats references and subject",
			query:  Query{InReplyTo: "root@example.com", References: []string{"mid@example.com"}, Subject: "Topic C"},
			thread: 10, found: true, method: MethodInReplyTo,
		},
		{
			name:   "unknown in-reply-to falls through to newest reference",
			query:  Query{InReplyTo: "missing@example.com", References: []string{"root@example.com", "mid@example.com"}},
			thread: 20, found: true, method: MethodReferences,
		},
		{
			name:   "older reference used when newer ones are unknown",
			query:  Query{References: []string{"root@example.com", "missing@example.com"}},
			thread: 10, found: true, method: MethodReferences,
		},
		{
			name:   "subject fallback ignores reply markers",
			query:  Query{Subject: "RE: topic c"},
			thread: 30, found: true, method: MethodSubject,
		},
		{
			name:   "nothing matches",
			query:  Query{InReplyTo: "missing@example.com", Subject: "brand new"},
			found:  false, method: MethodNone,
		},
		{
			name:   "empty subject never matches",
			query:  Query{Subject: "Re: "},
			found:  false, method: MethodNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			q.AccountID = f.account.ID
			q.Date = now
			res, err := r.Resolve(context.Background(), q)
			require.NoError(t, err)
			assert.Equal(t, tt.found, res.Found)
			assert.Equal(t, tt.method, res.Method)
			if tt.found {
				assert.Equal(t, tt.thread, res.ThreadID)
			}
		})
	}
}

func TestResolveSubjectWindow(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.bound(t, "1", "old@example.com", "Weekly report", now.Add(-40*24*time.Hour), 7)

	windowed := NewResolver(f.db, 30*24*time.Hour, testLogger())
	res, err := windowed.Resolve(context.Background(), Query{AccountID: f.account.ID, Subject: "Weekly report", Date: now})
	require.NoError(t, err)
	assert.False(t, res.Found)

	unbounded := NewResolver(f.db, 0, testLogger())
	res, err = unbounded.Resolve(context.Background(), Query{AccountID: f.account.ID, Subject: "Weekly report", Date: now})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 7, res.ThreadID)
}
