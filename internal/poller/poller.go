// Package poller feeds unseen mail of every active account to delivery, oldest first.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixelka/tgmailsync/internal/database"
	"github.com/mixelka/tgmailsync/internal/delivery"
	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/pkg/models"
)

// AccountSource lists the accounts to poll
type AccountSource interface {
	GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error)
}

// Store is the persistence surface the poller needs
type Store interface {
	GetBoundEmailByMessageID(ctx context.Context, accountID int64, messageID string) (*models.EmailRecord, error)
	EnsureEmail(ctx context.Context, rec *models.EmailRecord) (*models.EmailRecord, error)
}

// Deliverer delivers one stored email
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
}

// Config holds poller settings
type Config struct {
	Interval        time.Duration
	DefaultFolders  []string
	MarkSeen        bool
	Concurrency     int
	DeliveryTimeout time.Duration
}

// Deps holds poller dependencies
type Deps struct {
	Accounts  AccountSource
	Store     Store
	Dialer    email.Dialer
	Deliverer Deliverer
	Seen      *DedupCache
	Logger    *slog.Logger
}

// AccountStatus is the outcome of the last cycle of an account
type AccountStatus struct {
	AccountID int64
	Email     string
	ChatID    int64
	LastRun   time.Time
	Delivered int
	Failed    int
	Err       error
}

// Poller polls mailboxes on a fixed interval
type Poller struct {
	cfg       Config
	accounts  AccountSource
	store     Store
	dialer    email.Dialer
	deliverer Deliverer
	seen      *DedupCache
	logger    *slog.Logger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	statusMu sync.RWMutex
	status   map[int64]AccountStatus
}

// New creates a new poller
func New(cfg Config, deps Deps) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Minute
	}
	seen := deps.Seen
	if seen == nil {
		seen = NewDedupCache(0)
	}

	return &Poller{
		cfg:       cfg,
		accounts:  deps.Accounts,
		store:     deps.Store,
		dialer:    deps.Dialer,
		deliverer: deps.Deliverer,
		seen:      seen,
		logger:    deps.Logger.With("component", "poller"),
		locks:     make(map[int64]*sync.Mutex),
		status:    make(map[int64]AccountStatus),
	}
}

// Run polls immediately and then on every tick until ctx is done
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "interval", p.cfg.Interval, "concurrency", p.cfg.Concurrency)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.CheckNow(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("polling cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckNow runs one cycle over all active accounts and returns the number of delivered emails
func (p *Poller) CheckNow(ctx context.Context) (int, error) {
	accounts, err := p.accounts.GetAllActiveAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get active accounts: %w", err)
	}
	p.dropInactive(accounts)

	var delivered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, acc := range accounts {
		g.Go(func() error {
			delivered.Add(int64(p.pollAccount(gctx, acc)))
			// One account never fails the others
			return nil
		})
	}
	_ = g.Wait()

	return int(delivered.Load()), nil
}

// dropInactive forgets accounts that are no longer polled
func (p *Poller) dropInactive(active []*models.Account) {
	keep := make(map[int64]bool, len(active))
	for _, acc := range active {
		keep[acc.ID] = true
	}

	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	for id := range p.status {
		if !keep[id] {
			delete(p.status, id)
			p.seen.Forget(id)
			p.logger.Info("account no longer polled", "account_id", id)
		}
	}
}

// Status returns the last cycle outcome of every polled account
func (p *Poller) Status() []AccountStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()

	out := make([]AccountStatus, 0, len(p.status))
	for _, s := range p.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// pollAccount runs one cycle for one account. Cycles of the same account never overlap.
func (p *Poller) pollAccount(ctx context.Context, acc *models.Account) (delivered int) {
	lock := p.accountLock(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	logger := p.logger.With("account_id", acc.ID, "email", acc.Email)
	status := AccountStatus{AccountID: acc.ID, Email: acc.Email, ChatID: acc.ChatID, LastRun: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("polling panicked", "panic", r)
			status.Err = fmt.Errorf("panic: %v", r)
		}
		status.Delivered = delivered
		p.setStatus(status)
	}()

	session, err := p.dialer.Dial(ctx, acc)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		status.Err = err
		return 0
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug("failed to close session", "error", err)
		}
	}()

	messages, err := p.fetchUnseen(ctx, session, acc, logger)
	if err != nil {
		status.Err = err
	}
	if len(messages) == 0 {
		return 0
	}

	// A reply must never be delivered before the message it replies to
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Date.Before(messages[j].Date)
	})

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		ok, err := p.process(ctx, session, acc, msg, logger)
		if err != nil {
			status.Failed++
			status.Err = err
			continue
		}
		if ok {
			delivered++
		}
	}

	if delivered > 0 {
		logger.Info("polling cycle delivered emails", "count", delivered)
	}
	return delivered
}

// fetchUnseen collects unseen messages from every monitored folder.
// A failing folder is skipped; its error is returned after the others were read.
func (p *Poller) fetchUnseen(ctx context.Context, session email.Session, acc *models.Account, logger *slog.Logger) ([]*email.Message, error) {
	var all []*email.Message
	var errs []error

	for _, folder := range acc.MonitoredFolders(p.cfg.DefaultFolders) {
		if err := session.Select(ctx, folder); err != nil {
			logger.Error("failed to select folder", "mailbox", folder, "error", err)
			errs = append(errs, err)
			continue
		}

		uids, err := session.SearchUnseen(ctx)
		if err != nil {
			logger.Error("failed to search unseen", "mailbox", folder, "error", err)
			errs = append(errs, err)
			continue
		}
		if len(uids) == 0 {
			continue
		}

		messages, err := session.Fetch(ctx, uids)
		if err != nil {
			logger.Error("failed to fetch messages", "mailbox", folder, "error", err)
			errs = append(errs, err)
		}
		for _, msg := range messages {
			if msg.Mailbox == "" {
				msg.Mailbox = folder
			}
			all = append(all, msg)
		}
		logger.Debug("fetched unseen messages", "mailbox", folder, "count", len(messages))
	}

	return all, errors.Join(errs...)
}

// process stores and delivers one message. ok is true when it was delivered now.
func (p *Poller) process(ctx context.Context, session email.Session, acc *models.Account, msg *email.Message, logger *slog.Logger) (bool, error) {
	logger = logger.With("mailbox", msg.Mailbox, "uid", msg.UID, "message_id", msg.MessageID)

	if p.seen.Seen(acc.ID, msg) {
		return false, nil
	}

	// After a restart the seen-set is empty but the store knows what was bound
	if msg.MessageID != "" {
		_, err := p.store.GetBoundEmailByMessageID(ctx, acc.ID, msg.MessageID)
		if err == nil {
			p.seen.Mark(acc.ID, msg)
			return false, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			logger.Error("failed to check delivered state", "error", err)
			return false, err
		}
	}

	rec, err := p.store.EnsureEmail(ctx, delivery.NewRecord(acc.ID, msg))
	if err != nil {
		logger.Error("failed to store email", "error", err)
		return false, err
	}
	if rec.IsBound() {
		p.seen.Mark(acc.ID, msg)
		return false, nil
	}

	// An in-flight delivery finishes its current item even during shutdown
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DeliveryTimeout)
	defer cancel()

	_, err = p.deliverer.Deliver(dctx, delivery.Request{Account: acc, Record: rec, Message: msg})
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrAlreadyDelivered):
		p.seen.Mark(acc.ID, msg)
		return false, nil
	case errors.Is(err, delivery.ErrPartialDelivery):
		// Bound, so it will not be delivered again
		p.seen.Mark(acc.ID, msg)
		logger.Error("email partially delivered", "error", err)
		return false, err
	default:
		logger.Error("failed to deliver email", "error", err)
		return false, err
	}

	p.seen.Mark(acc.ID, msg)
	if p.cfg.MarkSeen && msg.UID != 0 {
		if err := p.markSeen(dctx, session, msg); err != nil {
			logger.Warn("failed to mark email as seen", "error", err)
		}
	}
	return true, nil
}

// markSeen selects the message's folder and flags it \Seen
func (p *Poller) markSeen(ctx context.Context, session email.Session, msg *email.Message) error {
	if err := session.Select(ctx, msg.Mailbox); err != nil {
		return err
	}
	return session.MarkSeen(ctx, msg.UID)
}

func (p *Poller) accountLock(accountID int64) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()

	lock, ok := p.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[accountID] = lock
	}
	return lock
}

func (p *Poller) setStatus(s AccountStatus) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status[s.AccountID] = s
}
