// Package retry provides the bounded-retry policy used for every network
// call in the core that is allowed to retry. Call sites never hand-roll
// their own sleep loops.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes a capped exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default matches the transport reconnect schedule: 1s, 2s, 4s ... 30s.
var Default = Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Once retries a single time, used for booking creation where the request
// id makes the retry idempotent.
var Once = Policy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// permanentError marks a failure retrying cannot change.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do gives up immediately: the other side answered
// and will answer the same way again. Retry is for transport failures, not
// verdicts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, attempts are exhausted, ctx is done, or fn
// returns a Permanent error. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// NextDelay exposes the schedule for callers that manage their own loop,
// such as the connection manager's indefinite reconnect.
func (p Policy) NextDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return p.BaseDelay
	}
	next := prev * 2
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}
