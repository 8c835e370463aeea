// Package delivery pushes one email into a chat thread, creating the thread on demand.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mixelka/tgmailsync/internal/database"
	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/internal/formatter"
	"github.com/mixelka/tgmailsync/internal/retry"
	"github.com/mixelka/tgmailsync/internal/threading"
	"github.com/mixelka/tgmailsync/pkg/models"
)

var (
	// ErrAlreadyDelivered is returned for records that already have a thread binding
	ErrAlreadyDelivered = errors.New("email already delivered")
	// ErrThreadCreation is returned when no thread could be created; nothing was sent
	ErrThreadCreation = errors.New("thread creation failed")
	// ErrBindingPersistence is returned when the thread binding could not be stored; nothing was sent
	ErrBindingPersistence = errors.New("thread binding persistence failed")
	// ErrPartialDelivery is returned when a send failed after the binding was stored
	ErrPartialDelivery = errors.New("partial delivery")
)

const orphanCacheSize = 1024

// Platform is the chat platform surface the engine needs
type Platform interface {
	CreateTopic(ctx context.Context, chatID int64, title string) (int, error)
	SendText(ctx context.Context, chatID int64, threadID int, seg formatter.Segment) error
	SendDocument(ctx context.Context, chatID int64, threadID int, doc formatter.Document) error
}

// Store is the persistence surface the engine needs
type Store interface {
	GetEmailByID(ctx context.Context, id int64) (*models.EmailRecord, error)
	GetBoundEmailByMessageID(ctx context.Context, accountID int64, messageID string) (*models.EmailRecord, error)
	BindThread(ctx context.Context, id int64, threadID int) error
	InsertEmail(ctx context.Context, rec *models.EmailRecord) error
}

// ThreadResolver finds existing thread bindings
type ThreadResolver interface {
	Resolve(ctx context.Context, q threading.Query) (threading.Resolution, error)
}

// Composer prepares the content of an email
type Composer interface {
	Compose(msg *email.Message) *formatter.Payload
}

// Request is one email to deliver. Record must already be stored.
type Request struct {
	Account *models.Account
	Record  *models.EmailRecord
	Message *email.Message
}

// Result describes a delivery
type Result struct {
	ThreadID      int
	CreatedThread bool
	Sent          int
	Total         int
}

type orphanKey struct {
	accountID int64
	identity  string
}

// Engine delivers emails in a fixed order: prepare, resolve, create, bind, send
type Engine struct {
	store    Store
	resolver ThreadResolver
	platform Platform
	composer Composer
	policy   retry.Policy
	orphans  *lru.Cache[orphanKey, int]
	logger   *slog.Logger
}

// EngineDeps holds dependencies for NewEngine
type EngineDeps struct {
	Store    Store
	Resolver ThreadResolver
	Platform Platform
	Composer Composer
	Policy   retry.Policy
	Logger   *slog.Logger
}

// NewEngine creates a new delivery engine
func NewEngine(deps EngineDeps) (*Engine, error) {
	orphans, err := lru.New[orphanKey, int](orphanCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create orphan cache: %w", err)
	}

	return &Engine{
		store:    deps.Store,
		resolver: deps.Resolver,
		platform: deps.Platform,
		composer: deps.Composer,
		policy:   deps.Policy,
		orphans:  orphans,
		logger:   deps.Logger.With("component", "delivery"),
	}, nil
}

// Deliver delivers one email. Nothing is sent unless the thread binding was stored first.
func (e *Engine) Deliver(ctx context.Context, req Request) (*Result, error) {
	rec := req.Record
	logger := e.logger.With(
		"account_id", req.Account.ID,
		"chat_id", req.Account.ChatID,
		"mailbox", rec.Mailbox,
		"uid", rec.UID,
		"message_id", rec.MessageID,
	)

	if err := e.checkDelivered(ctx, rec); err != nil {
		return nil, err
	}

	// Content is fully prepared before anything becomes visible in the chat
	payload := e.composer.Compose(req.Message)
	result := &Result{Total: payload.Len()}

	threadID, created, err := e.destination(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	result.ThreadID = threadID
	result.CreatedThread = created

	key := orphanKeyFor(rec)
	if err := e.store.BindThread(ctx, rec.ID, threadID); err != nil {
		if errors.Is(err, database.ErrAlreadyBound) {
			if created {
				logger.Error("thread orphaned: binding not stored",
					"thread_id", threadID,
					"created_thread", created,
					"error", err,
				)
			}
			return nil, ErrAlreadyDelivered
		}
		if created || e.orphans.Contains(key) {
			e.orphans.Add(key, threadID)
			logger.Error("thread orphaned: binding not stored",
				"thread_id", threadID,
				"created_thread", created,
				"error", err,
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrBindingPersistence, err)
	}
	e.orphans.Remove(key)
	rec.ThreadID = &threadID

	if err := e.send(ctx, req.Account.ChatID, threadID, payload, result, logger); err != nil {
		// No compensating delete exists on the platform; record what is left behind
		logger.Warn("delivery incomplete, manual reconciliation needed",
			"thread_id", threadID,
			"created_thread", created,
			"sent", result.Sent,
			"total", result.Total,
			"error", err,
		)
		return result, fmt.Errorf("%w: %w", ErrPartialDelivery, err)
	}

	logger.Info("email delivered",
		"thread_id", threadID,
		"created_thread", created,
		"sent", result.Sent,
	)
	return result, nil
}

// checkDelivered treats a bound record, or a bound record with the same Message-ID, as delivered
func (e *Engine) checkDelivered(ctx context.Context, rec *models.EmailRecord) error {
	if rec.IsBound() {
		return ErrAlreadyDelivered
	}

	stored, err := e.store.GetEmailByID(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to load email: %w", err)
	}
	if stored.IsBound() {
		rec.ThreadID = stored.ThreadID
		return ErrAlreadyDelivered
	}

	if rec.MessageID != "" {
		bound, err := e.store.GetBoundEmailByMessageID(ctx, rec.AccountID, rec.MessageID)
		if err == nil && bound.ID != rec.ID {
			return ErrAlreadyDelivered
		}
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("failed to check message id: %w", err)
		}
	}
	return nil
}

// destination resolves the thread, reuses an orphaned one, or creates a new one
func (e *Engine) destination(ctx context.Context, req Request, logger *slog.Logger) (int, bool, error) {
	rec := req.Record
	key := orphanKeyFor(rec)

	res, err := e.resolver.Resolve(ctx, threading.Query{
		AccountID:  rec.AccountID,
		InReplyTo:  rec.InReplyTo,
		References: rec.ReferenceList(),
		Subject:    rec.Subject,
		Date:       rec.Date,
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve thread: %w", err)
	}
	if res.Found {
		if orphan, ok := e.orphans.Get(key); ok && orphan != res.ThreadID {
			logger.Warn("abandoning orphaned thread", "thread_id", orphan)
		}
		return res.ThreadID, false, nil
	}

	if orphan, ok := e.orphans.Get(key); ok {
		logger.Info("reusing orphaned thread", "thread_id", orphan)
		return orphan, false, nil
	}

	title := threading.TopicTitle(rec.Subject)
	threadID, err := retry.Do(ctx, e.policy, logger, "create_topic", func(ctx context.Context) (int, error) {
		return e.platform.CreateTopic(ctx, req.Account.ChatID, title)
	})
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrThreadCreation, err)
	}

	logger.Info("thread created", "thread_id", threadID, "title", title)
	return threadID, true, nil
}

// send sends texts, then files, then attachments. Item i starts only after item i-1 succeeded.
func (e *Engine) send(ctx context.Context, chatID int64, threadID int, p *formatter.Payload, result *Result, logger *slog.Logger) error {
	for i, seg := range p.Texts {
		err := retry.Run(ctx, e.policy, logger, "send_text", func(ctx context.Context) error {
			return e.platform.SendText(ctx, chatID, threadID, seg)
		})
		if err != nil {
			return fmt.Errorf("failed to send text %d: %w", i, err)
		}
		result.Sent++
	}

	docs := make([]formatter.Document, 0, len(p.Files)+len(p.Attachments))
	docs = append(docs, p.Files...)
	docs = append(docs, p.Attachments...)
	for _, doc := range docs {
		err := retry.Run(ctx, e.policy, logger, "send_document", func(ctx context.Context) error {
			return e.platform.SendDocument(ctx, chatID, threadID, doc)
		})
		if err != nil {
			return fmt.Errorf("failed to send %s: %w", doc.Filename, err)
		}
		result.Sent++
	}

	return nil
}

func orphanKeyFor(rec *models.EmailRecord) orphanKey {
	identity := rec.MessageID
	if identity == "" {
		identity = rec.Mailbox + "/" + rec.UID + "#" + strconv.FormatInt(rec.ID, 10)
	}
	return orphanKey{accountID: rec.AccountID, identity: identity}
}
