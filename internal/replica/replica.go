// Package replica runs one action against every replica of an availability
// group concurrently and reports the outcome per replica.
package replica

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

// Result is the outcome of an action on one replica.
type Result struct {
	Replica  string
	Err      error
	Duration time.Duration
}

// Error aggregates the results of an action that failed on at least one
// replica. Successful replicas are kept so operators can see which
// instances were left consistent.
type Error struct {
	Action  string
	Results []Result
}

func (e *Error) Error() string {
	failed := e.Failed()
	msgs := make([]string, len(failed))
	for i, r := range failed {
		msgs[i] = fmt.Sprintf("%s: %v", r.Replica, r.Err)
	}
	return fmt.Sprintf("%s failed on %d of %d replicas: %s",
		e.Action, len(failed), len(e.Results), strings.Join(msgs, "; "))
}

// Succeeded returns the names of replicas where the action completed.
func (e *Error) Succeeded() []string {
	var names []string
	for _, r := range e.Results {
		if r.Err == nil {
			names = append(names, r.Replica)
		}
	}
	return names
}

// Failed returns the results that carry an error.
func (e *Error) Failed() []Result {
	var failed []Result
	for _, r := range e.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Unwrap exposes every per-replica error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	var errs []error
	for _, r := range e.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Temporary reports whether every failure was transient, in which case
// repeating the whole action is worthwhile.
func (e *Error) Temporary() bool {
	failed := e.Failed()
	if len(failed) == 0 {
		return false
	}
	for _, r := range failed {
		if !retry.IsTemporary(r.Err) {
			return false
		}
	}
	return true
}

// ForEach runs fn for every item on its own goroutine and waits for all of
// them. A failure never cancels the other replicas. If any call failed the
// returned error is an *Error holding one Result per item, in item order.
func ForEach[T any](ctx context.Context, action string, items []T, name func(T) string, fn func(context.Context, T) error) error {
	_, err := Map(ctx, action, items, name, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	return err
}

// Map is ForEach for actions that produce a value. Values are returned in
// item order; the value of a failed item is the zero value.
func Map[T, R any](ctx context.Context, action string, items []T, name func(T) string, fn func(context.Context, T) (R, error)) ([]R, error) {
	values := make([]R, len(items))
	results := make([]Result, len(items))

	var g errgroup.Group
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			replicaName := name(item)
			start := time.Now()
			v, err := fn(ctx, item)
			values[i] = v
			results[i] = Result{Replica: replicaName, Err: err, Duration: time.Since(start)}

			log := logging.WithField("replica", replicaName).WithField("action", action)
			if err != nil {
				log.Warn("%s failed after %v: %v", action, results[i].Duration.Round(time.Millisecond), err)
			} else {
				log.Debug("%s completed in %v", action, results[i].Duration.Round(time.Millisecond))
			}
			// never abort siblings; failures are reported through results
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			return values, &Error{Action: action, Results: results}
		}
	}
	return values, nil
}
