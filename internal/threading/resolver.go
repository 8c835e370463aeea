// Package threading decides which chat thread an email belongs to.
package threading

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Method tells how a thread was found
type Method string

const (
	MethodInReplyTo  Method = "in_reply_to"
	MethodReferences Method = "references"
	MethodSubject    Method = "subject"
	MethodNone       Method = "none"
)

// Store is the lookup surface the resolver needs
type Store interface {
	FindThreadByMessageID(ctx context.Context, accountID int64, messageID string) (int, bool, error)
	FindThreadBySubject(ctx context.Context, accountID int64, normalizedSubject string, since time.Time) (int, bool, error)
}

// Query holds the fields of an email used for resolution
type Query struct {
	AccountID  int64
	InReplyTo  string
	References []string // oldest first
	Subject    string
	Date       time.Time
}

// Resolution is the result of a lookup. Found is false when a new thread is needed.
type Resolution struct {
	ThreadID int
	Found    bool
	Method   Method
}

// Resolver finds existing thread bindings
type Resolver struct {
	store         Store
	subjectWindow time.Duration
	logger        *slog.Logger
}

// NewResolver creates a resolver. A zero subjectWindow disables the recency cutoff.
func NewResolver(store Store, subjectWindow time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:         store,
		subjectWindow: subjectWindow,
		logger:        logger.With("component", "thread_resolver"),
	}
}

// Resolve applies in order: In-Reply-To, References newest first, normalized subject.
// First bound match wins.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Resolution, error) {
	if q.InReplyTo != "" {
		threadID, found, err := r.store.FindThreadByMessageID(ctx, q.AccountID, q.InReplyTo)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to resolve by in-reply-to: %w", err)
		}
		if found {
			return r.found(q, threadID, MethodInReplyTo), nil
		}
	}

	for i := len(q.References) - 1; i >= 0; i-- {
		ref := q.References[i]
		if ref == "" || ref == q.InReplyTo {
			continue
		}
		threadID, found, err := r.store.FindThreadByMessageID(ctx, q.AccountID, ref)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to resolve by references: %w", err)
		}
		if found {
			return r.found(q, threadID, MethodReferences), nil
		}
	}

	if normalized := NormalizeSubject(q.Subject); normalized != "" {
		var since time.Time
		if r.subjectWindow > 0 {
			ref := q.Date
			if ref.IsZero() {
				ref = time.Now()
			}
			since = ref.Add(-r.subjectWindow)
		}
		threadID, found, err := r.store.FindThreadBySubject(ctx, q.AccountID, normalized, since)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to resolve by subject: %w", err)
		}
		if found {
			// Subject matches can merge unrelated conversations
			r.logger.Info("thread matched by subject",
				"account_id", q.AccountID,
				"thread_id", threadID,
				"subject", normalized,
			)
			return r.found(q, threadID, MethodSubject), nil
		}
	}

	return Resolution{Method: MethodNone}, nil
}

func (r *Resolver) found(q Query, threadID int, method Method) Resolution {
	r.logger.Debug("thread resolved", "account_id", q.AccountID, "thread_id", threadID, "method", method)
	return Resolution{ThreadID: threadID, Found: true, Method: method}
}
