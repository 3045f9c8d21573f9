// Package move drives a database move between availability groups: a log
// backup on the source, restore of the reconstructed backup chain on every
// destination replica, then optional finalization and login copy.
package move

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/login"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

// DefaultMaxAttempts bounds coordinator-level retries of transient failures.
const DefaultMaxAttempts = 6

// Database is the capability common to both ends of a move.
type Database interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	IsRestoring(ctx context.Context) (bool, error)
	// Delete removes the database from its availability group and drops it
	// on every instance, waiting out any in-progress initialization first.
	// Deleting a missing database is a no-op.
	Delete(ctx context.Context) error
}

// Source is the database being moved.
type Source interface {
	Database
	// LogBackup takes a log backup, truncating the log.
	LogBackup(ctx context.Context) error
	// RecentBackups returns backup history at or after the latest full
	// backup, from every instance that may hold stripes.
	RecentBackups(ctx context.Context) ([]backup.Record, error)
	AssociatedLogins(ctx context.Context) ([]login.Properties, error)
}

// Destination is the database being created.
type Destination interface {
	Database
	// Restore applies backups in order, with NORECOVERY, on every replica.
	// relocate maps each source file name to its destination name.
	Restore(ctx context.Context, backups []backup.Record, relocate func(string) string) error
	// JoinAvailabilityGroup recovers the primary, joins it, then joins
	// each secondary.
	JoinAvailabilityGroup(ctx context.Context) error
	// CopyLogins ensures each login exists on every replica, keeping SIDs.
	CopyLogins(ctx context.Context, logins []login.Properties) error
}

// Options configures a move. The coordinator never modifies them.
type Options struct {
	Source      Source
	Destination Destination

	Overwrite  bool
	Finalize   bool
	CopyLogins bool

	// FileRelocator maps an old physical file name to a new one. Nil keeps names.
	FileRelocator func(string) string
	// RetryDuration is the wait before each retry attempt of a transient failure.
	RetryDuration retry.Backoff
	// MaxAttempts bounds retries per step. Zero uses DefaultMaxAttempts.
	MaxAttempts int
}

// DefaultRetryDuration backs off exponentially from one second to one minute.
func DefaultRetryDuration() retry.Backoff {
	return retry.Exponential(time.Second, time.Minute, 2)
}

func (o Options) validate() error {
	if o.Source == nil {
		return fmt.Errorf("move options: source database is required")
	}
	if o.Destination == nil {
		return fmt.Errorf("move options: destination database is required")
	}
	return nil
}

func (o Options) relocator() func(string) string {
	if o.FileRelocator == nil {
		return func(s string) string { return s }
	}
	return o.FileRelocator
}

func (o Options) policy(name string) retry.Policy {
	attempts := o.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	backoff := o.RetryDuration
	if backoff == nil {
		backoff = DefaultRetryDuration()
	}
	return retry.Policy{MaxAttempts: attempts, Backoff: backoff, Retryable: retry.IsTemporary, Name: name}
}

// InvalidOperationError reports a precondition violation. It is raised
// before any backup or restore is attempted and is never retried.
type InvalidOperationError struct {
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return "invalid operation: " + e.Reason
}

// Result is the outcome of one Move call.
type Result struct {
	// Watermark is the largest LastLSN applied; pass it to the next round.
	Watermark backup.LSN
	// Applied lists the records restored, in order.
	Applied []backup.Record
	// Chain is the full chain the applied records were taken from.
	Chain        *backup.Chain
	Finalized    bool
	LoginsCopied int
	Duration     time.Duration
}
