package move

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/login"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

func lastLSNs(records []backup.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.LastLSN.String()
	}
	return out
}

func TestMoveFreshDestination(t *testing.T) {
	c, _, dst, opts := newFixture()
	opts.Finalize = true

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	res, err := coord.Move(context.Background(), nil)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}

	if got := res.Watermark.String(); got != "400" {
		t.Errorf("watermark = %s, want 400", got)
	}
	if len(dst.restored) != 1 {
		t.Fatalf("expected 1 restore call, got %d", len(dst.restored))
	}
	if got := lastLSNs(dst.restored[0]); !reflect.DeepEqual(got, []string{"100", "200", "300", "400"}) {
		t.Errorf("restored %v", got)
	}
	if !res.Finalized {
		t.Error("expected finalized result")
	}
	wantOrder := []string{"source.LogBackup", "destination.Restore", "destination.JoinAvailabilityGroup"}
	if !reflect.DeepEqual(c.order, wantOrder) {
		t.Errorf("call order = %v, want %v", c.order, wantOrder)
	}
	if c.count("destination.CopyLogins") != 0 {
		t.Error("logins copied without CopyLogins")
	}
}

func TestMoveProgressiveWatermark(t *testing.T) {
	c, src, dst, opts := newFixture()
	all := fixtureHistory()
	src.backups = all[:3]

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	first, err := coord.Move(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Move: %v", err)
	}
	if got := first.Watermark.String(); got != "300" {
		t.Fatalf("first watermark = %s, want 300", got)
	}

	// the next log backup lands before the second round reads history
	src.onLogBackup = func(f *fakeSource) { f.backups = all }
	watermark := first.Watermark
	second, err := coord.Move(context.Background(), &watermark)
	if err != nil {
		t.Fatalf("second Move: %v", err)
	}

	if got := lastLSNs(second.Applied); !reflect.DeepEqual(got, []string{"400"}) {
		t.Errorf("second round applied %v, want [400]", got)
	}
	if got := second.Watermark.String(); got != "400" {
		t.Errorf("second watermark = %s, want 400", got)
	}
	if len(dst.restored) != 2 || len(dst.restored[1]) != 1 {
		t.Errorf("unexpected restore calls: %v", dst.restored)
	}
	if c.count("destination.Delete") != 0 {
		t.Error("destination deleted without overwrite")
	}
}

func TestMovePreconditions(t *testing.T) {
	w := backup.NewLSN(300)
	tests := []struct {
		name      string
		exists    bool
		restoring bool
		overwrite bool
		lastLSN   *backup.LSN
		wantErr   bool
	}{
		{"existing database without overwrite", true, false, false, nil, true},
		{"watermark without restoring destination", false, false, false, &w, true},
		{"watermark on recovered destination", true, false, true, &w, true},
		{"watermark with overwrite", true, true, true, &w, true},
		{"existing database with overwrite", true, false, true, nil, false},
		{"restoring destination without watermark", true, true, false, nil, false},
		{"missing destination", false, false, false, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, dst, opts := newFixture()
			dst.exists, dst.restoring = tt.exists, tt.restoring
			opts.Overwrite = tt.overwrite

			coord, err := NewCoordinator(opts)
			if err != nil {
				t.Fatalf("NewCoordinator: %v", err)
			}
			_, err = coord.Move(context.Background(), tt.lastLSN)

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Move: %v", err)
				}
				return
			}
			var inv *InvalidOperationError
			if !errors.As(err, &inv) {
				t.Fatalf("expected *InvalidOperationError, got %T: %v", err, err)
			}
			for _, name := range []string{"source.LogBackup", "source.RecentBackups", "destination.Restore", "destination.Delete", "destination.JoinAvailabilityGroup", "destination.CopyLogins"} {
				if n := c.count(name); n != 0 {
					t.Errorf("%s called %d times before precondition failure", name, n)
				}
			}
		})
	}
}

func TestMoveOverwriteDeletesFirst(t *testing.T) {
	c, _, dst, opts := newFixture()
	dst.exists = true
	opts.Overwrite = true

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if _, err := coord.Move(context.Background(), nil); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if len(c.order) == 0 || c.order[0] != "destination.Delete" {
		t.Errorf("expected delete first, got %v", c.order)
	}
}

func TestMoveCopiesLoginsWithRemap(t *testing.T) {
	c, src, dst, opts := newFixture()
	opts.Finalize = true
	opts.CopyLogins = true
	src.logins = []login.Properties{
		{Name: "app", Type: login.SQLLogin, DefaultDatabase: "Sales"},
		{Name: "ops", Type: login.WindowsGroup, DefaultDatabase: "master"},
	}

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	res, err := coord.Move(context.Background(), nil)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}

	if res.LoginsCopied != 2 {
		t.Errorf("LoginsCopied = %d, want 2", res.LoginsCopied)
	}
	got := map[string]string{}
	for _, l := range dst.copied {
		got[l.Name] = l.DefaultDatabase
	}
	want := map[string]string{"app": "Sales_v2", "ops": "master"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("copied default databases = %v, want %v", got, want)
	}
	if src.logins[0].DefaultDatabase != "Sales" {
		t.Error("source logins must not be modified")
	}
	// logins are copied after the database joins its group
	last := c.order[len(c.order)-1]
	if last != "destination.CopyLogins" {
		t.Errorf("last call = %s, want destination.CopyLogins", last)
	}
}

func TestMoveRetriesTransientFailures(t *testing.T) {
	c, src, dst, opts := newFixture()
	opts.Finalize = true
	src.logBackupErrs = []error{transientErr{}, transientErr{}}
	dst.joinErrs = []error{transientErr{}}

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if _, err := coord.Move(context.Background(), nil); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if n := c.count("source.LogBackup"); n != 3 {
		t.Errorf("LogBackup called %d times, want 3", n)
	}
	if n := c.count("destination.JoinAvailabilityGroup"); n != 2 {
		t.Errorf("JoinAvailabilityGroup called %d times, want 2", n)
	}
}

func TestMoveGivesUpAfterMaxAttempts(t *testing.T) {
	c, src, _, opts := newFixture()
	src.logBackupErrs = []error{transientErr{}, transientErr{}, transientErr{}, transientErr{}}

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	_, err = coord.Move(context.Background(), nil)

	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected *retry.ExhaustedError, got %T: %v", err, err)
	}
	if n := c.count("source.LogBackup"); n != 3 {
		t.Errorf("LogBackup called %d times, want 3", n)
	}
	if n := c.count("destination.Restore"); n != 0 {
		t.Errorf("Restore called %d times after log backup failure", n)
	}
}

func TestMoveNothingToRestore(t *testing.T) {
	c, _, dst, opts := newFixture()
	dst.exists, dst.restoring = true, true

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	w := backup.NewLSN(400)
	_, err = coord.Move(context.Background(), &w)

	var ce *backup.ChainError
	if !errors.As(err, &ce) || ce.Reason != backup.ReasonNothingRestore {
		t.Fatalf("expected %q chain error, got %v", backup.ReasonNothingRestore, err)
	}
	if n := c.count("destination.Restore"); n != 0 {
		t.Errorf("Restore called %d times", n)
	}
}

func TestMoveChainErrorStopsBeforeRestore(t *testing.T) {
	c, src, _, opts := newFixture()
	src.backups = fixtureHistory()[1:]

	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	_, err = coord.Move(context.Background(), nil)

	var ce *backup.ChainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *backup.ChainError, got %T: %v", err, err)
	}
	if n := c.count("destination.Restore"); n != 0 {
		t.Errorf("Restore called %d times", n)
	}
}

func TestPlanHasNoSideEffects(t *testing.T) {
	c, _, _, opts := newFixture()
	coord, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	w := backup.NewLSN(200)
	chain, pending, err := coord.Plan(context.Background(), &w)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !chain.HasDifferential() {
		t.Error("expected differential in plan")
	}
	if got := lastLSNs(pending); !reflect.DeepEqual(got, []string{"300", "400"}) {
		t.Errorf("pending = %v", got)
	}
	if len(c.order) != 0 {
		t.Errorf("Plan made mutating calls: %v", c.order)
	}
}

func TestNewCoordinatorRequiresDatabases(t *testing.T) {
	if _, err := NewCoordinator(Options{}); err == nil {
		t.Error("expected error without source and destination")
	}
}
