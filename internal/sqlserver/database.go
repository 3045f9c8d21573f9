package sqlserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/login"
	"github.com/johndauphine/ag-db-move/internal/replica"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

// initializingBackoff paces polls while a replica is still seeding.
var initializingBackoff = retry.Exponential(100*time.Millisecond, 0, 2)

// AgDatabase is a database name on a listener topology. The database does
// not have to exist; it can be created by restoring into it and added to the
// group by joining. It serves as either end of a move.
type AgDatabase struct {
	name     string
	listener *Listener
	opts     Options
}

// NewAgDatabase binds a database name to a connected topology.
func NewAgDatabase(l *Listener, name string, opts Options) *AgDatabase {
	return &AgDatabase{name: name, listener: l, opts: opts.withDefaults()}
}

// OpenAgDatabase connects to the topology behind info and binds info.Database.
func OpenAgDatabase(ctx context.Context, info ConnInfo, opts Options) (*AgDatabase, error) {
	if info.Database == "" {
		return nil, fmt.Errorf("no database name for %s", info)
	}
	l, err := ConnectListener(ctx, info, opts)
	if err != nil {
		return nil, err
	}
	return NewAgDatabase(l, info.Database, opts), nil
}

// Name returns the database name.
func (d *AgDatabase) Name() string { return d.name }

// Listener returns the topology the database lives on.
func (d *AgDatabase) Listener() *Listener { return d.listener }

// ReplicaNames returns the server names of every replica, primary first.
func (d *AgDatabase) ReplicaNames() []string { return d.listener.ReplicaNames() }

// Close closes every replica connection.
func (d *AgDatabase) Close() error { return d.listener.Close() }

// Exists reports whether the database exists on the primary.
func (d *AgDatabase) Exists(ctx context.Context) (bool, error) {
	_, exists, err := d.listener.Primary.Server.DatabaseState(ctx, d.name)
	return exists, err
}

// IsRestoring reports whether the database on the primary is restoring.
func (d *AgDatabase) IsRestoring(ctx context.Context) (bool, error) {
	state, exists, err := d.listener.Primary.Server.DatabaseState(ctx, d.name)
	if err != nil || !exists {
		return false, err
	}
	return strings.EqualFold(state, "RESTORING"), nil
}

// IsInitializing reports whether any replica is still seeding the database.
func (d *AgDatabase) IsInitializing(ctx context.Context) (bool, error) {
	if d.listener.IsStandalone() {
		return false, nil
	}
	states, err := replica.Map(ctx, "initialization check", d.listener.Replicas(), (*Replica).Name,
		func(ctx context.Context, r *Replica) (bool, error) {
			return r.AG.IsInitializing(ctx, d.name)
		})
	if err != nil {
		return false, err
	}
	for _, s := range states {
		if s {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes the database from the group and drops it on every replica.
// Replicas still initializing are waited out first; dropping a seeding
// database leaves redo threads stuck until the instance restarts.
func (d *AgDatabase) Delete(ctx context.Context) error {
	if d.listener.IsStandalone() {
		return d.listener.Primary.Server.Drop(ctx, d.name)
	}
	if err := d.listener.ForEachReplica(ctx, "wait for initialization", d.waitForInitialization); err != nil {
		return err
	}
	if err := d.listener.Primary.AG.Remove(ctx, d.name); err != nil {
		return err
	}
	return d.listener.ForEachReplica(ctx, "drop", func(ctx context.Context, r *Replica) error {
		return r.Server.Drop(ctx, d.name)
	})
}

func (d *AgDatabase) waitForInitialization(ctx context.Context, r *Replica) error {
	p := retry.Policy{
		MaxAttempts: retry.AttemptsWithin(d.opts.InitializingWait, initializingBackoff),
		Backoff:     initializingBackoff,
		Name:        "initialization of " + d.name + " on " + r.Name(),
	}
	err := retry.Until(ctx, p, func(ctx context.Context) (bool, error) {
		initializing, err := r.AG.IsInitializing(ctx, d.name)
		return !initializing, err
	})
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) && errors.Is(err, retry.ErrNotReady) {
		return fmt.Errorf("%s is initializing %s: wait period of %v expired", r.Name(), d.name, d.opts.InitializingWait)
	}
	return err
}

// LogBackup takes a log backup on the primary.
func (d *AgDatabase) LogBackup(ctx context.Context) error {
	_, err := d.listener.Primary.Server.LogBackup(ctx, d.name)
	return err
}

// FullBackup takes a full backup on the primary and returns its location.
func (d *AgDatabase) FullBackup(ctx context.Context) (string, error) {
	return d.listener.Primary.Server.FullBackup(ctx, d.name)
}

// RecentBackups gathers backup history from every replica, since backups
// may have been taken on whichever instance was primary at the time.
// History is read from the newest full backup on any replica onwards, so a
// replica that only ever took log backups still contributes them.
func (d *AgDatabase) RecentBackups(ctx context.Context) ([]backup.Record, error) {
	fulls, err := replica.Map(ctx, "latest full backup", d.listener.Replicas(), (*Replica).Name,
		func(ctx context.Context, r *Replica) (backup.LSN, error) {
			return r.Server.LatestFullLSN(ctx, d.name)
		})
	if err != nil {
		return nil, err
	}
	floor := backup.MaxLSN(fulls...)

	perReplica, err := replica.Map(ctx, "backup history", d.listener.Replicas(), (*Replica).Name,
		func(ctx context.Context, r *Replica) ([]backup.Record, error) {
			return r.Server.RecentBackups(ctx, d.name, floor)
		})
	if err != nil {
		return nil, err
	}
	var all []backup.Record
	for _, records := range perReplica {
		all = append(all, records...)
	}
	logging.Debug("Read %d backup records for %s from %d replicas since LSN %s", len(all), d.name, len(perReplica), floor)
	return all, nil
}

// AssociatedLogins returns the logins mapped to users of the database.
func (d *AgDatabase) AssociatedLogins(ctx context.Context) ([]login.Properties, error) {
	return d.listener.Primary.Server.Logins(ctx, d.name)
}

// Restore applies backups on every replica concurrently.
func (d *AgDatabase) Restore(ctx context.Context, backups []backup.Record, relocate func(string) string) error {
	return d.listener.ForEachReplica(ctx, "restore", func(ctx context.Context, r *Replica) error {
		return r.Server.Restore(ctx, d.name, backups, relocate)
	})
}

// JoinAvailabilityGroup recovers the database on the primary, adds it to
// the group there, then joins every secondary. Secondaries are retried while
// the group has not yet propagated the database. On a standalone server the
// database is only recovered.
func (d *AgDatabase) JoinAvailabilityGroup(ctx context.Context) error {
	if err := d.listener.ForEachReplica(ctx, "recover primary", d.finalizePrimary); err != nil {
		return err
	}
	if d.listener.IsStandalone() {
		return nil
	}

	err := d.listener.ForEachReplica(ctx, "join primary", func(ctx context.Context, r *Replica) error {
		primary, err := r.IsPrimary(ctx)
		if err != nil || !primary {
			return err
		}
		return r.AG.JoinPrimary(ctx, d.name)
	})
	if err != nil {
		return err
	}

	return d.listener.ForEachReplica(ctx, "join secondary", func(ctx context.Context, r *Replica) error {
		primary, err := r.IsPrimary(ctx)
		if err != nil || primary {
			return err
		}
		p := retry.Policy{
			MaxAttempts: d.opts.JoinAttempts,
			Backoff:     d.opts.Backoff,
			Retryable:   IsTransient,
			Name:        "join " + d.name + " on " + r.Name(),
		}
		return retry.Do(ctx, p, func(ctx context.Context) error {
			return r.AG.JoinSecondary(ctx, d.name)
		})
	})
}

func (d *AgDatabase) finalizePrimary(ctx context.Context, r *Replica) error {
	primary, err := r.IsPrimary(ctx)
	if err != nil || !primary {
		return err
	}
	state, exists, err := r.Server.DatabaseState(ctx, d.name)
	if err != nil || !exists || !strings.EqualFold(state, "RESTORING") {
		return err
	}
	return r.Server.RestoreWithRecovery(ctx, d.name)
}

// CopyLogins ensures each login exists on every replica.
func (d *AgDatabase) CopyLogins(ctx context.Context, logins []login.Properties) error {
	return d.listener.ForEachReplica(ctx, "copy logins", func(ctx context.Context, r *Replica) error {
		_, err := r.Server.EnsureLogins(ctx, logins)
		return err
	})
}

// Ping verifies every replica is reachable.
func (d *AgDatabase) Ping(ctx context.Context) error {
	return d.listener.ForEachReplica(ctx, "ping", func(ctx context.Context, r *Replica) error {
		return r.Server.Ping(ctx)
	})
}
