// Package retry provides a bounded retry wrapper for the stage-1 task's
// database round trips, so a single transient connection blip doesn't fail
// an otherwise-routable call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultAttempts is how many times an operation is tried before giving up,
// counting the first attempt.
const DefaultAttempts = 4

// DefaultWait is the fixed delay between attempts.
const DefaultWait = time.Second

// Policy is a fixed-backoff retry policy: a bounded number of attempts with
// a constant wait between them.
type Policy struct {
	Attempts int
	Wait     time.Duration
}

// NewPolicy builds a Policy, applying DefaultAttempts/DefaultWait for any
// zero field.
func NewPolicy(attempts int, wait time.Duration) Policy {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return Policy{Attempts: attempts, Wait: wait}
}

// permanentError wraps an error that Do must not retry, e.g. a routing
// decision rather than a transient transport failure.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: Do returns it immediately instead
// of spending the rest of its attempt budget on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs fn, retrying on error up to p.Attempts times with p.Wait between
// tries. It returns as soon as fn succeeds, fn returns an error wrapped with
// Permanent, ctx is cancelled, or the attempt budget is exhausted — in the
// last case the final error is wrapped with the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := NewPolicy(p.Attempts, p.Wait)

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == policy.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Wait):
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", policy.Attempts, lastErr)
}
