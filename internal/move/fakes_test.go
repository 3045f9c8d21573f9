package move

import (
	"context"
	"sync"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/login"
)

// calls counts invocations per method.
type calls struct {
	mu sync.Mutex
	n  map[string]int
	// order records every mutating call in sequence
	order []string
}

func (c *calls) inc(name string, mutating bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[name]++
	if mutating {
		c.order = append(c.order, name)
	}
}

func (c *calls) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

type fakeSource struct {
	calls   *calls
	name    string
	backups []backup.Record
	logins  []login.Properties

	// per-call errors, consumed in order
	logBackupErrs []error
	// onLogBackup lets a test publish a new log backup
	onLogBackup func(f *fakeSource)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Exists(context.Context) (bool, error) {
	f.calls.inc("source.Exists", false)
	return true, nil
}

func (f *fakeSource) IsRestoring(context.Context) (bool, error) {
	f.calls.inc("source.IsRestoring", false)
	return false, nil
}

func (f *fakeSource) Delete(context.Context) error {
	f.calls.inc("source.Delete", true)
	return nil
}

func (f *fakeSource) LogBackup(context.Context) error {
	f.calls.inc("source.LogBackup", true)
	if len(f.logBackupErrs) > 0 {
		err := f.logBackupErrs[0]
		f.logBackupErrs = f.logBackupErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.onLogBackup != nil {
		f.onLogBackup(f)
	}
	return nil
}

func (f *fakeSource) RecentBackups(context.Context) ([]backup.Record, error) {
	f.calls.inc("source.RecentBackups", false)
	return f.backups, nil
}

func (f *fakeSource) AssociatedLogins(context.Context) ([]login.Properties, error) {
	f.calls.inc("source.AssociatedLogins", false)
	return f.logins, nil
}

type fakeDestination struct {
	calls     *calls
	name      string
	exists    bool
	restoring bool

	restored [][]backup.Record
	copied   []login.Properties

	joinErrs []error
}

func (f *fakeDestination) Name() string { return f.name }

func (f *fakeDestination) Exists(context.Context) (bool, error) {
	f.calls.inc("destination.Exists", false)
	return f.exists, nil
}

func (f *fakeDestination) IsRestoring(context.Context) (bool, error) {
	f.calls.inc("destination.IsRestoring", false)
	return f.restoring, nil
}

func (f *fakeDestination) Delete(context.Context) error {
	f.calls.inc("destination.Delete", true)
	f.exists = false
	f.restoring = false
	return nil
}

func (f *fakeDestination) Restore(_ context.Context, backups []backup.Record, relocate func(string) string) error {
	f.calls.inc("destination.Restore", true)
	f.restored = append(f.restored, backups)
	f.exists = true
	f.restoring = true
	return nil
}

func (f *fakeDestination) JoinAvailabilityGroup(context.Context) error {
	f.calls.inc("destination.JoinAvailabilityGroup", true)
	if len(f.joinErrs) > 0 {
		err := f.joinErrs[0]
		f.joinErrs = f.joinErrs[1:]
		if err != nil {
			return err
		}
	}
	f.restoring = false
	return nil
}

func (f *fakeDestination) CopyLogins(_ context.Context, logins []login.Properties) error {
	f.calls.inc("destination.CopyLogins", true)
	f.copied = append(f.copied, logins...)
	return nil
}

type transientErr struct{}

func (transientErr) Error() string   { return "database is in use" }
func (transientErr) Temporary() bool { return true }

func rec(t backup.Type, first, last, checkpoint, dbBackup int64, location string) backup.Record {
	return backup.Record{
		DatabaseName:      "Sales",
		Type:              t,
		FirstLSN:          backup.NewLSN(first),
		LastLSN:           backup.NewLSN(last),
		CheckpointLSN:     backup.NewLSN(checkpoint),
		DatabaseBackupLSN: backup.NewLSN(dbBackup),
		PhysicalLocation:  location,
	}
}

// F(last 100) D(last 200) L1(last 300) L2(last 400)
func fixtureHistory() []backup.Record {
	return []backup.Record{
		rec(backup.Full, 90, 100, 95, 0, `\\backup\sales\full.bak`),
		rec(backup.Differential, 95, 200, 190, 95, `\\backup\sales\diff.diff`),
		rec(backup.Log, 200, 300, 190, 95, `\\backup\sales\log1.trn`),
		rec(backup.Log, 300, 400, 190, 95, `\\backup\sales\log2.trn`),
	}
}

func newFixture() (*calls, *fakeSource, *fakeDestination, Options) {
	c := &calls{}
	src := &fakeSource{calls: c, name: "Sales", backups: fixtureHistory()}
	dst := &fakeDestination{calls: c, name: "Sales_v2"}
	opts := Options{
		Source:        src,
		Destination:   dst,
		RetryDuration: func(int) time.Duration { return 0 },
		MaxAttempts:   3,
	}
	return c, src, dst, opts
}
