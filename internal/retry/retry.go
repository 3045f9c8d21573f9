// Package retry runs operations that can fail transiently against a
// bounded, injectable backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/johndauphine/ag-db-move/internal/logging"
)

// Backoff returns the wait before the given retry attempt (1 for the first retry).
type Backoff func(attempt int) time.Duration

// Policy bounds and paces retries.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Backoff paces the attempts. Nil retries immediately.
	Backoff Backoff
	// Retryable decides whether an error is worth another attempt.
	// Nil uses IsTemporary.
	Retryable func(error) bool
	// Name identifies the operation in log messages.
	Name string
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Exponential returns a backoff of initial * multiplier^(attempt-1), capped at max.
func Exponential(initial, max time.Duration, multiplier float64) Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if max > 0 && d > float64(max) {
			return max
		}
		return time.Duration(d)
	}
}

// Constant returns a backoff that always waits d.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// AttemptsWithin returns how many attempts fit in budget when waits follow b.
// At least one attempt is always allowed.
func AttemptsWithin(budget time.Duration, b Backoff) int {
	attempts := 1
	var total time.Duration
	for {
		wait := b(attempts)
		if wait <= 0 || total+wait > budget {
			return attempts
		}
		total += wait
		attempts++
	}
}

// IsTemporary reports whether err, or any error it wraps, has a
// Temporary() method returning true.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// Do calls op until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTemporary
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(0)
			if p.Backoff != nil {
				wait = p.Backoff(attempt - 1)
			}
			logging.Warn("Retry %d/%d for %s after %v (error: %v)", attempt-1, attempts-1, p.name(), wait, err)
			if serr := sleep(ctx, wait); serr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", p.name(), serr, err)
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return &ExhaustedError{Op: p.Name, Attempts: attempts, Err: err}
}

// ErrNotReady is returned by an Until condition that should be polled again.
var ErrNotReady = errors.New("condition not met")

// Until polls cond until it reports true, returns an error, the attempts
// run out or ctx is done. Exhaustion returns an ExhaustedError wrapping
// ErrNotReady.
func Until(ctx context.Context, p Policy, cond func(ctx context.Context) (bool, error)) error {
	p.Retryable = func(err error) bool { return errors.Is(err, ErrNotReady) }
	return Do(ctx, p, func(ctx context.Context) error {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotReady
		}
		return nil
	})
}

func (p Policy) name() string {
	if p.Name == "" {
		return "operation"
	}
	return p.Name
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
