package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mixelka/tgmailsync/internal/database"
	"github.com/mixelka/tgmailsync/internal/delivery"
	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seenFlag struct {
	mailbox string
	uid     uint32
}

// fakeSession serves messages per folder and records flag changes
type fakeSession struct {
	mu       sync.Mutex
	folders  map[string][]*email.Message
	selected string
	seen     []seenFlag
	closed   bool
}

func (s *fakeSession) Select(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folder]; !ok {
		return errors.New("no such folder")
	}
	s.selected = folder
	return nil
}

func (s *fakeSession) UIDValidity() uint32 { return 0 }

func (s *fakeSession) SearchUnseen(ctx context.Context) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var uids []uint32
	for _, m := range s.folders[s.selected] {
		if !s.isSeen(s.selected, m.UID) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (s *fakeSession) Fetch(ctx context.Context, uids []uint32) ([]*email.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uint32]bool)
	for _, uid := range uids {
		want[uid] = true
	}
	var out []*email.Message
	for _, m := range s.folders[s.selected] {
		if want[m.UID] {
			cp := *m
			cp.Mailbox = ""
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeSession) MarkSeen(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, seenFlag{mailbox: s.selected, uid: uid})
	return nil
}

func (s *fakeSession) Delete(ctx context.Context, uids []uint32) error { return nil }

func (s *fakeSession) SearchMessageID(ctx context.Context, messageID string) ([]uint32, error) {
	return nil, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isSeen(mailbox string, uid uint32) bool {
	for _, f := range s.seen {
		if f.mailbox == mailbox && f.uid == uid {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	sessions map[int64]*fakeSession
	fail     map[int64]error
}

func (d *fakeDialer) Dial(ctx context.Context, account *models.Account) (email.Session, error) {
	if err := d.fail[account.ID]; err != nil {
		return nil, err
	}
	return d.sessions[account.ID], nil
}

// recordingDeliverer binds every delivered record to a fresh thread
type recordingDeliverer struct {
	mu        sync.Mutex
	db        *database.DB
	delivered []string
	fail      map[string]error
	panicOn   string
	thread    int
}

func (d *recordingDeliverer) Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Message.MessageID == d.panicOn {
		panic("renderer exploded")
	}
	if err := d.fail[req.Message.MessageID]; err != nil {
		return nil, err
	}

	d.thread++
	if err := d.db.BindThread(ctx, req.Record.ID, d.thread); err != nil {
		return nil, err
	}
	d.delivered = append(d.delivered, req.Message.MessageID)
	return &delivery.Result{ThreadID: d.thread, CreatedThread: true}, nil
}

func (d *recordingDeliverer) order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.delivered...)
}

type fixture struct {
	db        *database.DB
	dialer    *fakeDialer
	deliverer *recordingDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "poller.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	return &fixture{
		db:        db,
		dialer:    &fakeDialer{sessions: map[int64]*fakeSession{}, fail: map[int64]error{}},
		deliverer: &recordingDeliverer{db: db, fail: map[string]error{}},
	}
}

func (f *fixture) account(t *testing.T, addr, folders string) *models.Account {
	t.Helper()
	acc := &models.Account{Email: addr, Password: "x", IMAPServer: "imap.example.com:993", ChatID: -1001, Folders: folders, IsActive: true}
	require.NoError(t, f.db.UpsertAccount(context.Background(), acc))
	return acc
}

func (f *fixture) poller(seen *DedupCache) *Poller {
	return New(Config{
		Interval:       time.Hour,
		DefaultFolders: []string{"INBOX"},
		MarkSeen:       true,
		Concurrency:    2,
	}, Deps{
		Accounts:  f.db,
		Store:     f.db,
		Dialer:    f.dialer,
		Deliverer: f.deliverer,
		Seen:      seen,
		Logger:    testLogger(),
	})
}

func msgAt(uid uint32, id string, at time.Time) *email.Message {
	return &email.Message{UID: uid, MessageID: id, Subject: id, Date: at, BodyText: "x"}
}

func TestCheckNowDeliversOldestFirstAcrossFolders(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, "a@example.com", "INBOX,Archive")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	session := &fakeSession{folders: map[string][]*email.Message{
		"INBOX": {
			msgAt(1, "third", base.Add(3*time.Minute)),
			msgAt(2, "first", base.Add(1*time.Minute)),
		},
		"Archive": {
			msgAt(1, "second", base.Add(2*time.Minute)),
		},
	}}
	f.dialer.sessions[acc.ID] = session

	delivered, err := f.poller(NewDedupCache(100)).CheckNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"first", "second", "third"}, f.deliverer.order())
	assert.ElementsMatch(t, []seenFlag{{"INBOX", 1}, {"INBOX", 2}, {"Archive", 1}}, session.seen)
	assert.True(t, session.closed)

	// Same UID in two folders produced two distinct records
	rec, err := f.db.GetEmailByMailboxUID(context.Background(), acc.ID, "Archive", 0, "1")
	require.NoError(t, err)
	assert.Equal(t, "second", rec.MessageID)
}

func TestCheckNowSkipsDeliveredMessages(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, "a@example.com", "")
	now := time.Now()

	// Messages stay unseen on the server so every cycle sees them again
	f.dialer.sessions[acc.ID] = &fakeSession{folders: map[string][]*email.Message{
		"INBOX": {msgAt(1, "m1", now), msgAt(2, "m2", now.Add(time.Second))},
	}}
	p := f.poller(NewDedupCache(100))
	p.cfg.MarkSeen = false

	n, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "seen-set hit")

	// A restarted process has an empty seen-set; the store still knows
	restarted := f.poller(NewDedupCache(100))
	restarted.cfg.MarkSeen = false
	n, err = restarted.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "store hit")

	assert.Equal(t, []string{"m1", "m2"}, f.deliverer.order())
}

func TestCheckNowIsolatesAccountFailures(t *testing.T) {
	f := newFixture(t)
	broken := f.account(t, "broken@example.com", "")
	healthy := f.account(t, "ok@example.com", "")

	f.dialer.fail[broken.ID] = errors.New("connection refused")
	f.dialer.sessions[healthy.ID] = &fakeSession{folders: map[string][]*email.Message{
		"INBOX": {msgAt(1, "ok-1", time.Now())},
	}}

	p := f.poller(nil)
	n, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status := p.Status()
	require.Len(t, status, 2)
	assert.Equal(t, broken.ID, status[0].AccountID)
	assert.Error(t, status[0].Err)
	assert.NoError(t, status[1].Err)
	assert.Equal(t, 1, status[1].Delivered)
}

func TestFailedDeliveryIsNotMarkedSeen(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, "a@example.com", "")
	now := time.Now()

	session := &fakeSession{folders: map[string][]*email.Message{
		"INBOX": {msgAt(1, "bad", now), msgAt(2, "good", now.Add(time.Second))},
	}}
	f.dialer.sessions[acc.ID] = session
	f.deliverer.fail["bad"] = delivery.ErrThreadCreation

	p := f.poller(NewDedupCache(100))
	n, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []seenFlag{{"INBOX", 2}}, session.seen)

	// The failed one is retried next cycle
	delete(f.deliverer.fail, "bad")
	n, err = p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"good", "bad"}, f.deliverer.order())
}

func TestPanicInDeliveryIsContained(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, "a@example.com", "")
	f.dialer.sessions[acc.ID] = &fakeSession{folders: map[string][]*email.Message{
		"INBOX": {msgAt(1, "boom", time.Now())},
	}}
	f.deliverer.panicOn = "boom"

	p := f.poller(nil)
	n, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	status := p.Status()
	require.Len(t, status, 1)
	assert.ErrorContains(t, status[0].Err, "panic")
}

func TestDeactivatedAccountIsForgotten(t *testing.T) {
	f := newFixture(t)
	acc := f.account(t, "a@example.com", "")
	msg := msgAt(1, "m1", time.Now())
	f.dialer.sessions[acc.ID] = &fakeSession{folders: map[string][]*email.Message{"INBOX": {msg}}}

	seen := NewDedupCache(100)
	p := f.poller(seen)
	_, err := p.CheckNow(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Status(), 1)
	require.True(t, seen.Seen(acc.ID, msg))

	require.NoError(t, f.db.SetAccountActive(context.Background(), acc.ID, false))
	_, err = p.CheckNow(context.Background())
	require.NoError(t, err)

	assert.Empty(t, p.Status())
	assert.False(t, seen.Seen(acc.ID, msg))
}

type emptyAccounts struct{}

func (emptyAccounts) GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return nil, nil
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(Config{Interval: 5 * time.Millisecond}, Deps{Accounts: emptyAccounts{}, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestDedupCacheIdentity(t *testing.T) {
	c := NewDedupCache(2)
	a := &email.Message{MessageID: "a@x"}
	inbox := &email.Message{UID: 7, Mailbox: "INBOX"}
	archive := &email.Message{UID: 7, Mailbox: "Archive"}

	c.Mark(1, a)
	c.Mark(1, inbox)
	assert.True(t, c.Seen(1, a))
	assert.True(t, c.Seen(1, inbox))
	assert.False(t, c.Seen(1, archive), "uids are scoped to the mailbox")
	assert.False(t, c.Seen(2, a), "identities are scoped to the account")

	c.Forget(1)
	assert.False(t, c.Seen(1, a))
}
