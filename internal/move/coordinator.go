package move

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/login"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

// Coordinator runs moves for one source/destination pair. It is not safe
// to run two moves against the same destination at once.
type Coordinator struct {
	opts Options
}

// NewCoordinator validates opts and returns a Coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Coordinator{opts: opts}, nil
}

// Options returns the coordinator's options.
func (c *Coordinator) Options() Options { return c.opts }

// Move performs one round. lastLSN is the watermark returned by the previous
// round, or nil for the first. Steps run strictly in order and any failure
// aborts the round, leaving the destination as the failed step left it.
//
// Move rejects these combinations with an *InvalidOperationError before
// touching either end:
//   - the destination exists and is not restoring, and Overwrite is not set
//   - lastLSN is set but the destination is not restoring
//   - lastLSN is set together with Overwrite, since a continuation round
//     never replaces the database it continues
func (c *Coordinator) Move(ctx context.Context, lastLSN *backup.LSN) (*Result, error) {
	start := time.Now()
	src, dst := c.opts.Source, c.opts.Destination

	if err := c.checkPreconditions(ctx, lastLSN); err != nil {
		return nil, err
	}

	if c.opts.Overwrite {
		logging.Info("Deleting destination database %s", dst.Name())
		if err := retry.Do(ctx, c.opts.policy("delete destination"), dst.Delete); err != nil {
			return nil, fmt.Errorf("deleting destination %s: %w", dst.Name(), err)
		}
	}

	logging.Info("Taking log backup of %s", src.Name())
	if err := retry.Do(ctx, c.opts.policy("log backup"), src.LogBackup); err != nil {
		return nil, fmt.Errorf("log backup of %s: %w", src.Name(), err)
	}

	chain, pending, err := c.pending(ctx, lastLSN)
	if err != nil {
		return nil, err
	}

	logging.Info("Restoring %d backup files to %s", len(pending), dst.Name())
	if err := dst.Restore(ctx, pending, c.opts.relocator()); err != nil {
		return nil, fmt.Errorf("restoring %s: %w", dst.Name(), err)
	}

	result := &Result{
		Watermark: maxLastLSN(pending),
		Applied:   pending,
		Chain:     chain,
	}

	if c.opts.Finalize {
		logging.Info("Finalizing %s and joining the availability group", dst.Name())
		if err := retry.Do(ctx, c.opts.policy("join availability group"), dst.JoinAvailabilityGroup); err != nil {
			return nil, fmt.Errorf("finalizing %s: %w", dst.Name(), err)
		}
		result.Finalized = true
	}

	if c.opts.CopyLogins {
		n, err := c.copyLogins(ctx)
		if err != nil {
			return nil, err
		}
		result.LoginsCopied = n
	}

	result.Duration = time.Since(start)
	logging.Info("Move of %s to %s applied %d files up to lsn %s in %s",
		src.Name(), dst.Name(), len(pending), result.Watermark, result.Duration.Round(time.Second))
	return result, nil
}

// Plan reconstructs the chain and the part of it a Move with lastLSN would
// restore, without taking a log backup or touching the destination.
func (c *Coordinator) Plan(ctx context.Context, lastLSN *backup.LSN) (*backup.Chain, []backup.Record, error) {
	return c.pending(ctx, lastLSN)
}

func (c *Coordinator) checkPreconditions(ctx context.Context, lastLSN *backup.LSN) error {
	dst := c.opts.Destination

	exists, err := dst.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking destination %s: %w", dst.Name(), err)
	}
	restoring := false
	if exists {
		if restoring, err = dst.IsRestoring(ctx); err != nil {
			return fmt.Errorf("checking destination %s state: %w", dst.Name(), err)
		}
	}

	if exists && !restoring && !c.opts.Overwrite {
		return &InvalidOperationError{Reason: fmt.Sprintf("destination %s exists, overwrite not set", dst.Name())}
	}
	if lastLSN != nil && !restoring {
		return &InvalidOperationError{Reason: fmt.Sprintf("lastLsn %s requires restoring destination %s", lastLSN, dst.Name())}
	}
	if lastLSN != nil && c.opts.Overwrite {
		return &InvalidOperationError{Reason: "lastLsn cannot be combined with overwrite"}
	}
	return nil
}

func (c *Coordinator) pending(ctx context.Context, lastLSN *backup.LSN) (*backup.Chain, []backup.Record, error) {
	src := c.opts.Source

	records, err := src.RecentBackups(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reading backup history of %s: %w", src.Name(), err)
	}
	chain, err := backup.BuildChain(records)
	if err != nil {
		return nil, nil, err
	}

	pending := chain.Records()
	if lastLSN != nil {
		pending = chain.After(*lastLSN)
	}
	if len(pending) == 0 {
		return chain, nil, &backup.ChainError{Reason: backup.ReasonNothingRestore}
	}
	return chain, pending, nil
}

func (c *Coordinator) copyLogins(ctx context.Context) (int, error) {
	src, dst := c.opts.Source, c.opts.Destination

	logins, err := src.AssociatedLogins(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading logins of %s: %w", src.Name(), err)
	}
	logins = login.RemapDefaultDatabase(logins, src.Name(), dst.Name())

	logging.Info("Copying %d logins to %s", len(logins), dst.Name())
	err = retry.Do(ctx, c.opts.policy("copy logins"), func(ctx context.Context) error {
		return dst.CopyLogins(ctx, logins)
	})
	if err != nil {
		return 0, fmt.Errorf("copying logins to %s: %w", dst.Name(), err)
	}
	return len(logins), nil
}

func maxLastLSN(records []backup.Record) backup.LSN {
	var m backup.LSN
	for _, r := range records {
		if m.Less(r.LastLSN) {
			m = r.LastLSN
		}
	}
	return m
}
