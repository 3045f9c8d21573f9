package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/checkpoint"
	"github.com/johndauphine/ag-db-move/internal/config"
	"github.com/johndauphine/ag-db-move/internal/exitcodes"
	"github.com/johndauphine/ag-db-move/internal/login"
	"github.com/johndauphine/ag-db-move/internal/move"
	"github.com/johndauphine/ag-db-move/internal/progress"
	"github.com/johndauphine/ag-db-move/internal/replica"
)

const testConfig = `
source:
  host: ag1-listener
  database: Sales
  user: mover
  password: secret
destination:
  host: ag2-listener
  database: Sales
  user: mover
  password: secret
move:
  retry:
    max_attempts: 1
    initial_backoff: 1ms
    max_backoff: 1ms
`

// fakeEndpoint plays both ends of a move. As a source, every log backup
// publishes a log record covering the next hundred LSNs.
type fakeEndpoint struct {
	mu       sync.Mutex
	name     string
	replicas []string
	calls    map[string]int

	exists    bool
	restoring bool
	backups   []backup.Record
	restored  [][]backup.Record

	restoreErr error
	pingErr    error
}

func (f *fakeEndpoint) inc(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeEndpoint) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeEndpoint) Name() string { return f.name }

func (f *fakeEndpoint) Exists(context.Context) (bool, error) {
	f.inc("Exists")
	return f.exists, nil
}

func (f *fakeEndpoint) IsRestoring(context.Context) (bool, error) {
	f.inc("IsRestoring")
	return f.restoring, nil
}

func (f *fakeEndpoint) Delete(context.Context) error {
	f.inc("Delete")
	f.exists = false
	f.restoring = false
	return nil
}

func (f *fakeEndpoint) LogBackup(context.Context) error {
	f.inc("LogBackup")
	n := int64(len(f.backups))
	f.backups = append(f.backups, logRecord(n*100, (n+1)*100, fmt.Sprintf(`\\backup\sales\log%d.trn`, n)))
	return nil
}

func (f *fakeEndpoint) RecentBackups(context.Context) ([]backup.Record, error) {
	f.inc("RecentBackups")
	return f.backups, nil
}

func (f *fakeEndpoint) AssociatedLogins(context.Context) ([]login.Properties, error) {
	f.inc("AssociatedLogins")
	return []login.Properties{{Name: "app", Type: login.SQLLogin, DefaultDatabase: "Sales"}}, nil
}

func (f *fakeEndpoint) Restore(_ context.Context, backups []backup.Record, _ func(string) string) error {
	f.inc("Restore")
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, backups)
	f.exists = true
	f.restoring = true
	return nil
}

func (f *fakeEndpoint) JoinAvailabilityGroup(context.Context) error {
	f.inc("JoinAvailabilityGroup")
	f.restoring = false
	return nil
}

func (f *fakeEndpoint) CopyLogins(context.Context, []login.Properties) error {
	f.inc("CopyLogins")
	return nil
}

func (f *fakeEndpoint) Ping(context.Context) error {
	f.inc("Ping")
	return f.pingErr
}

func (f *fakeEndpoint) ReplicaNames() []string { return f.replicas }

func (f *fakeEndpoint) Close() error {
	f.inc("Close")
	return nil
}

func logRecord(first, last int64, location string) backup.Record {
	return backup.Record{
		DatabaseName:      "Sales",
		Type:              backup.Log,
		FirstLSN:          backup.NewLSN(first),
		LastLSN:           backup.NewLSN(last),
		CheckpointLSN:     backup.NewLSN(95),
		DatabaseBackupLSN: backup.NewLSN(95),
		PhysicalLocation:  location,
	}
}

func fullRecord() backup.Record {
	return backup.Record{
		DatabaseName:      "Sales",
		Type:              backup.Full,
		FirstLSN:          backup.NewLSN(90),
		LastLSN:           backup.NewLSN(100),
		CheckpointLSN:     backup.NewLSN(95),
		DatabaseBackupLSN: backup.NewLSN(0),
		PhysicalLocation:  `\\backup\sales\full.bak`,
	}
}

type event struct {
	kind  string
	runID string
	round int
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *fakeNotifier) add(e event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []string
	for _, e := range n.events {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (n *fakeNotifier) MoveStarted(runID, command, source, destination string) error {
	n.add(event{kind: "started:" + command, runID: runID})
	return nil
}

func (n *fakeNotifier) RoundCompleted(runID string, round, applied int, watermark string, duration time.Duration) error {
	n.add(event{kind: "round", runID: runID, round: round})
	return nil
}

func (n *fakeNotifier) MoveFinalized(runID string, startTime time.Time, duration time.Duration, loginsCopied int) error {
	n.add(event{kind: "finalized", runID: runID})
	return nil
}

func (n *fakeNotifier) MoveFailed(runID string, err error, duration time.Duration) error {
	n.add(event{kind: "failed", runID: runID})
	return nil
}

func (n *fakeNotifier) SourceDeleted(runID, source string) error {
	n.add(event{kind: "deleted", runID: runID})
	return nil
}

type fixture struct {
	cfg      *config.Config
	src, dst *fakeEndpoint
	state    checkpoint.StateBackend
	notifier *fakeNotifier
	out      *bytes.Buffer
	orch     *Orchestrator
}

func newTestFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(testConfig))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	state, err := checkpoint.New(t.TempDir())
	if err != nil {
		t.Fatalf("creating state: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	f := &fixture{
		cfg:      cfg,
		src:      &fakeEndpoint{name: "Sales", replicas: []string{"sql-a", "sql-b"}, exists: true, backups: []backup.Record{fullRecord()}},
		dst:      &fakeEndpoint{name: "Sales", replicas: []string{"sql-c", "sql-d"}},
		state:    state,
		notifier: &fakeNotifier{},
		out:      &bytes.Buffer{},
	}
	f.orch = newOrchestrator(cfg, f.src, f.dst, state, f.notifier, progress.New(nil, false), f.out)
	return f
}

func TestRunMovesAndFinalizes(t *testing.T) {
	f := newTestFixture(t)

	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.dst.restored) != 1 || len(f.dst.restored[0]) != 2 {
		t.Fatalf("expected one restore of full and log, got %v", f.dst.restored)
	}
	if f.dst.count("JoinAvailabilityGroup") != 1 {
		t.Errorf("expected destination to be joined once")
	}
	if f.dst.count("CopyLogins") != 1 {
		t.Errorf("expected logins to be copied")
	}
	if f.src.count("Delete") != 0 {
		t.Errorf("source deleted without delete_source")
	}

	sess, err := f.state.GetSession(f.orch.sessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || !sess.Finalized || sess.Rounds != 1 {
		t.Fatalf("unexpected session %+v", sess)
	}
	if got := sess.Watermark.String(); got != "200" {
		t.Errorf("watermark = %s, want 200", got)
	}

	runs, _ := f.state.GetAllRuns()
	if len(runs) != 1 || runs[0].Status != checkpoint.StatusSuccess || runs[0].Phase != PhaseComplete {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if strings.Contains(runs[0].Config, "secret") {
		t.Errorf("stored config carries a password")
	}

	want := []string{"started:move", "finalized"}
	if got := f.notifier.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("notifications = %v, want %v", got, want)
	}
}

func TestRunDeletesSourceWhenConfigured(t *testing.T) {
	f := newTestFixture(t)
	f.cfg.Move.DeleteSource = true

	if err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.src.count("Delete") != 1 {
		t.Errorf("expected source to be deleted once, got %d", f.src.count("Delete"))
	}
	kinds := f.notifier.kinds()
	if kinds[len(kinds)-1] != "deleted" {
		t.Errorf("expected a deletion notification last, got %v", kinds)
	}
}

func TestRoundsPersistWatermark(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := f.orch.Round(ctx); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}

	if len(f.dst.restored) != 2 {
		t.Fatalf("expected two restores, got %d", len(f.dst.restored))
	}
	if n := len(f.dst.restored[1]); n != 1 {
		t.Errorf("second round restored %d files, want only the new log", n)
	}
	if f.dst.count("JoinAvailabilityGroup") != 0 {
		t.Errorf("a round must not join the availability group")
	}

	sess, err := f.state.GetSession(f.orch.sessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if sess.Rounds != 2 || sess.Finalized {
		t.Fatalf("unexpected session %+v", sess)
	}
	if got := sess.Watermark.String(); got != "300" {
		t.Errorf("watermark = %s, want 300", got)
	}

	// A new process resumes from the persisted watermark
	resumed := newOrchestrator(f.cfg, f.src, f.dst, f.state, f.notifier, nil, f.out)
	if err := resumed.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := len(f.dst.restored[2]); n != 1 {
		t.Errorf("finalize restored %d files, want 1", n)
	}

	sess, _ = f.state.GetSession(f.orch.sessionKey())
	if !sess.Finalized || sess.Rounds != 3 {
		t.Fatalf("unexpected session after finalize %+v", sess)
	}

	runs, _ := f.state.GetAllRuns()
	rounds, err := f.state.GetRounds(runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 1 || rounds[0].Number != 3 || !rounds[0].Finalized {
		t.Errorf("unexpected rounds for finalize run: %+v", rounds)
	}
}

func TestFinalizeRejectsFinalizedSession(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	if err := f.orch.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	restores := f.dst.count("Restore")

	err := f.orch.Round(ctx)
	var invalid *move.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidOperationError, got %v", err)
	}
	if exitcodes.FromError(err) != exitcodes.ConfigError {
		t.Errorf("exit code = %d, want %d", exitcodes.FromError(err), exitcodes.ConfigError)
	}
	if f.dst.count("Restore") != restores {
		t.Errorf("a finalized session must not restore again")
	}

	if err := f.orch.Reset(); err != nil {
		t.Fatal(err)
	}
	sess, _ := f.state.GetSession(f.orch.sessionKey())
	if sess != nil {
		t.Errorf("expected session to be reset, got %+v", sess)
	}
}

func TestDeleteSourceRequiresFinalization(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	if err := f.orch.Round(ctx); err != nil {
		t.Fatal(err)
	}

	err := f.orch.DeleteSource(ctx, false)
	if !errors.Is(err, ErrNotFinalized) && !strings.Contains(fmt.Sprint(err), ErrNotFinalized.Error()) {
		t.Fatalf("expected not finalized error, got %v", err)
	}
	if f.src.count("Delete") != 0 {
		t.Fatalf("source deleted before finalization")
	}

	if err := f.orch.DeleteSource(ctx, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if f.src.count("Delete") != 1 {
		t.Errorf("expected forced delete to drop the source")
	}
}

func TestFailedRunIsRecorded(t *testing.T) {
	f := newTestFixture(t)
	restoreErr := &replica.Error{Action: "restore", Results: []replica.Result{
		{Replica: "sql-c"},
		{Replica: "sql-d", Err: errors.New("the media family is incorrectly formed")},
	}}
	f.dst.restoreErr = restoreErr

	err := f.orch.Round(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}

	runs, _ := f.state.GetAllRuns()
	if len(runs) != 1 || runs[0].Status != checkpoint.StatusFailed {
		t.Fatalf("expected a failed run, got %+v", runs)
	}
	if !strings.Contains(runs[0].Error, "sql-d") {
		t.Errorf("run error %q does not name the failing replica", runs[0].Error)
	}
	rounds, _ := f.state.GetRounds(runs[0].ID)
	if len(rounds) != 1 || rounds[0].Error == "" || rounds[0].Watermark != nil {
		t.Errorf("expected one failed round without a watermark, got %+v", rounds)
	}
	sess, _ := f.state.GetSession(f.orch.sessionKey())
	if sess != nil {
		t.Errorf("a failed round must not save the session")
	}
	if kinds := f.notifier.kinds(); kinds[len(kinds)-1] != "failed" {
		t.Errorf("expected a failure notification, got %v", kinds)
	}
}

func TestPlan(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	plan, err := f.orch.Plan(ctx)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Pending != 1 || !plan.Steps[0].Pending {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if f.src.count("LogBackup") != 0 || f.dst.count("Restore") != 0 {
		t.Errorf("plan must not back up or restore")
	}

	if err := f.orch.Round(ctx); err != nil {
		t.Fatal(err)
	}

	// Everything is applied: the chain is still shown
	plan, err = f.orch.Plan(ctx)
	if err != nil {
		t.Fatalf("Plan after round: %v", err)
	}
	if plan.Pending != 0 || plan.Watermark != "200" || len(plan.Steps) != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	for _, s := range plan.Steps {
		if s.Pending {
			t.Errorf("step %s-%s should be applied", s.FirstLSN, s.LastLSN)
		}
	}

	out := RenderPlan(plan)
	for _, want := range []string{"Restore plan", "full", "log", "applied"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered plan missing %q:\n%s", want, out)
		}
	}
}

func TestStatusAndHistory(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	empty, err := StatusOf(f.state, f.cfg)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Run != nil || empty.Session != nil {
		t.Fatalf("expected empty status, got %+v", empty)
	}
	if out := RenderStatus(empty); !strings.Contains(out, "No runs recorded") {
		t.Errorf("unexpected empty status:\n%s", out)
	}

	if err := f.orch.Round(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Round(ctx); err != nil {
		t.Fatal(err)
	}

	status, err := f.orch.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Run == nil || status.Run.Command != "round" || status.Session.Rounds != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Rounds) != 1 || status.Rounds[0].Number != 2 {
		t.Errorf("expected the latest run's round 2, got %+v", status.Rounds)
	}
	if out := RenderStatus(status); !strings.Contains(out, "in progress") {
		t.Errorf("status does not show an unfinalized session:\n%s", out)
	}
	if _, err := json.Marshal(status); err != nil {
		t.Errorf("marshaling status: %v", err)
	}

	runs, err := f.orch.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if out := RenderHistory(runs); !strings.Contains(out, runs[0].ID) || !strings.Contains(out, runs[1].ID) {
		t.Errorf("history missing run IDs:\n%s", out)
	}

	details, err := RunDetailsOf(f.state, runs[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	out := RenderRunDetails(details)
	if !strings.Contains(out, "ag1-listener") || strings.Contains(out, "secret") {
		t.Errorf("unexpected run details:\n%s", out)
	}

	if _, err := f.orch.RunDetails("missing"); err == nil {
		t.Error("expected an error for an unknown run")
	}
}

func TestHealthCheck(t *testing.T) {
	f := newTestFixture(t)
	f.dst.pingErr = &replica.Error{Action: "ping", Results: []replica.Result{
		{Replica: "sql-c"},
		{Replica: "sql-d", Err: errors.New("connection refused")},
	}}

	h, err := f.orch.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Healthy {
		t.Error("expected unhealthy result")
	}
	if !h.Source.Connected || h.Destination.Connected {
		t.Errorf("unexpected connectivity %+v", h)
	}
	if h.Destination.Failures["sql-d"] != "connection refused" {
		t.Errorf("unexpected failures %v", h.Destination.Failures)
	}
	if _, failed := h.Destination.Failures["sql-c"]; failed {
		t.Errorf("sql-c should not be reported as failed")
	}

	out := RenderHealth(h)
	for _, want := range []string{"sql-a", "sql-d", "connection refused", "unhealthy"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered health missing %q:\n%s", want, out)
		}
	}
}

func TestShowPlanJSON(t *testing.T) {
	f := newTestFixture(t)

	if err := f.orch.ShowPlan(context.Background(), true); err != nil {
		t.Fatalf("ShowPlan: %v", err)
	}

	var plan PlanResult
	if err := json.Unmarshal(f.out.Bytes(), &plan); err != nil {
		t.Fatalf("decoding plan: %v\n%s", err, f.out.String())
	}
	if plan.Source != "ag1-listener/Sales" || plan.Pending != 1 {
		t.Errorf("unexpected plan %+v", plan)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Type != "full" {
		t.Errorf("unexpected steps %+v", plan.Steps)
	}
}
