// Package deletion propagates chat thread deletions back to the mail server.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/internal/retry"
	"github.com/mixelka/tgmailsync/pkg/models"
)

// errNoTargets means a deleted thread has no bound emails yet. A delivery that
// resolved to the thread before the deletion was seen may still bind one.
var errNoTargets = errors.New("no emails bound to deleted thread")

// EventLog reads a chat's event log. Events are returned oldest first.
type EventLog interface {
	Events(ctx context.Context, chatID int64, afterID int64) ([]models.ChatEvent, error)
}

// Store is the persistence surface the worker needs
type Store interface {
	GetManagedChatIDs(ctx context.Context) ([]int64, error)
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)

	GetChatEventCursor(ctx context.Context, chatID int64) (int64, error)
	AdvanceChatEventCursor(ctx context.Context, chatID, eventID int64) error

	UpsertPendingDeletion(ctx context.Context, chatID int64, threadID int, eventID int64, detectedAt time.Time) error
	ListPendingDeletions(ctx context.Context, chatID int64) ([]*models.PendingDeletion, error)
	MarkDeletionProcessed(ctx context.Context, chatID int64, threadID int) error
	RecordDeletionFailure(ctx context.Context, chatID int64, threadID int, cause error) error

	GetDeletionTargets(ctx context.Context, chatID int64, threadID int) ([]*models.EmailRecord, error)
	DeleteEmail(ctx context.Context, id int64) error
}

// Config holds worker settings
type Config struct {
	Interval    time.Duration
	SentFolder  string
	Concurrency int
	ItemTimeout time.Duration
	Policy      retry.Policy

	// A deletion without targets is given up once it reached both limits
	EmptyTargetAttempts int
	EmptyTargetGrace    time.Duration
}

// Worker scans each managed chat from its cursor, queues deletions durably and drains the queue
type Worker struct {
	cfg    Config
	store  Store
	events EventLog
	dialer email.Dialer
	logger *slog.Logger
}

// NewWorker creates a new deletion sync worker
func NewWorker(cfg Config, store Store, events EventLog, dialer email.Dialer, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.SentFolder == "" {
		cfg.SentFolder = "Sent"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 5 * time.Minute
	}
	if cfg.EmptyTargetAttempts <= 0 {
		cfg.EmptyTargetAttempts = 5
	}
	if cfg.EmptyTargetGrace <= 0 {
		cfg.EmptyTargetGrace = time.Hour
	}

	return &Worker{
		cfg:    cfg,
		store:  store,
		events: events,
		dialer: dialer,
		logger: logger.With("component", "deletion_sync"),
	}
}

// Run syncs immediately and then on every tick until ctx is done
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("deletion sync started", "interval", w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.SyncAll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("deletion sync cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("deletion sync stopped")
			return
		case <-ticker.C:
		}
	}
}

// SyncAll runs one cycle for every managed chat. Chat failures are logged, not returned.
func (w *Worker) SyncAll(ctx context.Context) error {
	chatIDs, err := w.store.GetManagedChatIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to get managed chats: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, chatID := range chatIDs {
		g.Go(func() error {
			w.syncChatSafe(gctx, chatID)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) syncChatSafe(ctx context.Context, chatID int64) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("deletion sync panicked", "chat_id", chatID, "panic", r)
		}
	}()

	if err := w.SyncChat(ctx, chatID); err != nil {
		w.logger.Error("deletion sync failed", "chat_id", chatID, "error", err)
	}
}

// SyncChat scans, enqueues and drains one chat. The cursor advances only when the
// scan and every enqueue succeeded; the drain always runs.
func (w *Worker) SyncChat(ctx context.Context, chatID int64) error {
	logger := w.logger.With("chat_id", chatID)

	cursor, err := w.store.GetChatEventCursor(ctx, chatID)
	if err != nil {
		return err
	}

	highest, scanErr := w.scan(ctx, chatID, cursor, logger)
	drainErr := w.drain(ctx, chatID, logger)

	if scanErr == nil && highest > cursor {
		if err := w.store.AdvanceChatEventCursor(ctx, chatID, highest); err != nil {
			return errors.Join(drainErr, err)
		}
		logger.Debug("event cursor advanced", "from", cursor, "to", highest)
	}

	return errors.Join(scanErr, drainErr)
}

// scan reads events after the cursor and upserts one pending row per deleted thread.
// It returns the highest event id seen.
func (w *Worker) scan(ctx context.Context, chatID, cursor int64, logger *slog.Logger) (int64, error) {
	events, err := retry.Do(ctx, w.cfg.Policy, logger, "read_event_log", func(ctx context.Context) ([]models.ChatEvent, error) {
		return w.events.Events(ctx, chatID, cursor)
	})
	if err != nil {
		return cursor, fmt.Errorf("failed to read event log: %w", err)
	}

	highest := cursor
	for _, ev := range events {
		if ev.ID > highest {
			highest = ev.ID
		}
		if ev.Kind != models.ChatEventTopicDeleted {
			continue
		}

		detected := ev.Date
		if detected.IsZero() {
			detected = time.Now()
		}
		if err := w.store.UpsertPendingDeletion(ctx, chatID, ev.ThreadID, ev.ID, detected); err != nil {
			return cursor, fmt.Errorf("failed to enqueue deletion of thread %d: %w", ev.ThreadID, err)
		}
		logger.Info("thread deletion detected", "thread_id", ev.ThreadID, "event_id", ev.ID)
	}

	return highest, nil
}

// drain processes every unprocessed deletion of the chat
func (w *Worker) drain(ctx context.Context, chatID int64, logger *slog.Logger) error {
	pending, err := w.store.ListPendingDeletions(ctx, chatID)
	if err != nil {
		return err
	}

	var failed int
	for _, pd := range pending {
		if ctx.Err() != nil {
			break
		}

		// The current item is finished even during shutdown
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ItemTimeout)
		err := w.process(ictx, pd, logger.With("thread_id", pd.ThreadID, "event_id", pd.EventID))
		if errors.Is(err, errNoTargets) && w.exhausted(pd) {
			logger.Warn("giving up deletion without targets",
				"thread_id", pd.ThreadID,
				"attempts", pd.Attempts+1,
				"detected_at", pd.DetectedAt,
			)
			err = nil
		}
		if err != nil {
			failed++
			logger.Error("failed to process deletion",
				"thread_id", pd.ThreadID,
				"attempts", pd.Attempts+1,
				"error", err,
			)
			if rerr := w.store.RecordDeletionFailure(ictx, chatID, pd.ThreadID, err); rerr != nil {
				logger.Error("failed to record deletion failure", "thread_id", pd.ThreadID, "error", rerr)
			}
		} else if merr := w.store.MarkDeletionProcessed(ictx, chatID, pd.ThreadID); merr != nil {
			failed++
			logger.Error("failed to mark deletion processed", "thread_id", pd.ThreadID, "error", merr)
		}
		cancel()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(pending))
	}
	return nil
}

// process deletes every email bound to the thread, server first, then locally.
// Records are removed one by one so a retry only touches what is left.
func (w *Worker) process(ctx context.Context, pd *models.PendingDeletion, logger *slog.Logger) error {
	targets, err := w.store.GetDeletionTargets(ctx, pd.ChatID, pd.ThreadID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errNoTargets
	}

	byAccount := make(map[int64][]*models.EmailRecord)
	var order []int64
	for _, rec := range targets {
		if _, ok := byAccount[rec.AccountID]; !ok {
			order = append(order, rec.AccountID)
		}
		byAccount[rec.AccountID] = append(byAccount[rec.AccountID], rec)
	}

	var errs []error
	for _, accountID := range order {
		if err := w.deleteForAccount(ctx, accountID, byAccount[accountID], logger); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", accountID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger.Info("deleted emails of thread", "count", len(targets))
	return nil
}

// exhausted reports whether a deletion without targets has been retried long enough
func (w *Worker) exhausted(pd *models.PendingDeletion) bool {
	return pd.Attempts+1 >= w.cfg.EmptyTargetAttempts &&
		time.Since(pd.DetectedAt) >= w.cfg.EmptyTargetGrace
}
