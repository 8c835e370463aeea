// Package retry runs single network operations with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the retries of one operation
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns 3 attempts starting at 1s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// Do calls fn until it succeeds, returns a permanent error, or the attempts run out.
// The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	return backoff.Retry(ctx,
		func() (T, error) {
			attempt++
			return fn(ctx)
		},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if logger != nil {
				logger.Warn("operation failed, retrying",
					"op", op,
					"attempt", attempt,
					"max_attempts", attempts,
					"next_in", next,
					"error", err,
				)
			}
		}),
	)
}

// Run is Do for operations without a result
func Run(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, logger, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Permanent marks an error as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// After asks for the next attempt to wait d, e.g. a server flood-wait hint.
// The returned error still wraps cause.
func After(d time.Duration, cause error) error {
	seconds := int(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &afterError{cause: cause, after: backoff.RetryAfter(seconds)}
}

type afterError struct {
	cause error
	after error
}

func (e *afterError) Error() string   { return e.cause.Error() }
func (e *afterError) Unwrap() []error { return []error{e.cause, e.after} }
