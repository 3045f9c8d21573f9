// Package orchestrator wires configuration, the two availability group
// endpoints, persisted state and notifications around the move coordinator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/checkpoint"
	"github.com/johndauphine/ag-db-move/internal/config"
	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/move"
	"github.com/johndauphine/ag-db-move/internal/notify"
	"github.com/johndauphine/ag-db-move/internal/progress"
	"github.com/johndauphine/ag-db-move/internal/sqlserver"
)

// Run phases recorded in the state backend.
const (
	PhaseInitializing = "initializing"
	PhaseMoving       = "moving"
	PhaseDeleting     = "deleting source"
	PhaseComplete     = "complete"
)

// Endpoint is one end of a move: a database on an availability group or
// standalone instance.
type Endpoint interface {
	move.Source
	move.Destination
	Ping(ctx context.Context) error
	ReplicaNames() []string
	Close() error
}

var _ Endpoint = (*sqlserver.AgDatabase)(nil)

// Options control how the orchestrator persists state and reports progress.
type Options struct {
	// StateFile selects the YAML state backend; empty uses SQLite in the data dir.
	StateFile string
	// OutputJSON writes JSON progress lines to stderr instead of a progress bar.
	OutputJSON bool
	// Out receives rendered plans, status and history. Defaults to stdout.
	Out io.Writer
}

// Orchestrator coordinates a database move
type Orchestrator struct {
	config      *config.Config
	source      Endpoint
	destination Endpoint
	state       checkpoint.StateBackend
	notifier    notify.Provider
	progress    *progress.Tracker
	out         io.Writer
}

// OpenState opens the state backend selected by opts.
func OpenState(cfg *config.Config, opts Options) (checkpoint.StateBackend, error) {
	if opts.StateFile != "" {
		return checkpoint.NewFileState(opts.StateFile)
	}
	return checkpoint.New(cfg.Move.DataDir)
}

// New connects to both endpoints and opens the state backend.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	state, err := OpenState(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("creating state manager: %w", err)
	}

	var reporter progress.Reporter
	if opts.OutputJSON {
		reporter = progress.NewJSONReporter(os.Stderr, time.Second)
	}
	tracker := progress.New(reporter, !opts.OutputJSON)

	source, err := sqlserver.OpenAgDatabase(ctx, cfg.Source.ConnInfo(), cfg.ServerOptions(cfg.Source))
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("connecting to source %s: %w", cfg.Source.DataSource(), err)
	}

	dstOpts := cfg.ServerOptions(cfg.Destination)
	dstOpts.OnRestoreStep = tracker.StepRestored
	destination, err := sqlserver.OpenAgDatabase(ctx, cfg.Destination.ConnInfo(), dstOpts)
	if err != nil {
		source.Close()
		state.Close()
		return nil, fmt.Errorf("connecting to destination %s: %w", cfg.Destination.DataSource(), err)
	}

	logging.Info("Source %s: replicas %v", cfg.Source.DataSource(), source.ReplicaNames())
	logging.Info("Destination %s: replicas %v", cfg.Destination.DataSource(), destination.ReplicaNames())

	return newOrchestrator(cfg, source, destination, state, notify.New(&cfg.Slack), tracker, opts.Out), nil
}

func newOrchestrator(cfg *config.Config, source, destination Endpoint, state checkpoint.StateBackend,
	notifier notify.Provider, tracker *progress.Tracker, out io.Writer) *Orchestrator {
	if out == nil {
		out = os.Stdout
	}
	if tracker == nil {
		tracker = progress.New(nil, false)
	}
	return &Orchestrator{
		config:      cfg,
		source:      source,
		destination: destination,
		state:       state,
		notifier:    notifier,
		progress:    tracker,
		out:         out,
	}
}

// Close releases all resources
func (o *Orchestrator) Close() {
	o.source.Close()
	o.destination.Close()
	o.state.Close()
}

func endpointLabel(e config.EndpointConfig) string {
	return e.DataSource() + "/" + e.Database
}

func sessionKeyOf(cfg *config.Config) string {
	return checkpoint.SessionKey(endpointLabel(cfg.Source), endpointLabel(cfg.Destination))
}

func (o *Orchestrator) sourceLabel() string { return endpointLabel(o.config.Source) }

func (o *Orchestrator) destinationLabel() string { return endpointLabel(o.config.Destination) }

func (o *Orchestrator) sessionKey() string { return sessionKeyOf(o.config) }

// moveOptions builds coordinator options from the configuration. The
// destination is wrapped so restores size the progress display.
func (o *Orchestrator) moveOptions() (move.Options, error) {
	relocate, err := o.config.FileRelocator()
	if err != nil {
		return move.Options{}, err
	}
	return move.Options{
		Source:        o.source,
		Destination:   &trackedDestination{Endpoint: o.destination, progress: o.progress},
		Overwrite:     o.config.Move.Overwrite,
		Finalize:      o.config.Move.ShouldFinalize(),
		CopyLogins:    o.config.Move.ShouldCopyLogins(),
		FileRelocator: relocate,
		RetryDuration: o.config.RetryBackoff(),
		MaxAttempts:   o.config.Move.Retry.MaxAttempts,
	}, nil
}

// trackedDestination sizes the progress tracker before each restore.
type trackedDestination struct {
	Endpoint
	progress *progress.Tracker
}

func (d *trackedDestination) Restore(ctx context.Context, backups []backup.Record, relocate func(string) string) error {
	d.progress.SetTotal(len(backup.GroupSteps(backups)), len(d.ReplicaNames()))
	if err := d.Endpoint.Restore(ctx, backups, relocate); err != nil {
		return err
	}
	d.progress.Finish()
	return nil
}

// execute records a run around fn and sends start and failure notifications.
func (o *Orchestrator) execute(ctx context.Context, command string, fn func(ctx context.Context, runID string) error) error {
	runID := uuid.New().String()[:8]
	startTime := time.Now()
	logging.Info("Starting %s run %s: %s -> %s", command, runID, o.sourceLabel(), o.destinationLabel())

	run := checkpoint.Run{
		ID:          runID,
		Command:     command,
		Source:      o.sourceLabel(),
		Destination: o.destinationLabel(),
	}
	if err := o.state.CreateRun(run, o.config.Sanitized()); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	if err := o.notifier.MoveStarted(runID, command, run.Source, run.Destination); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}

	if err := fn(ctx, runID); err != nil {
		if cerr := o.state.CompleteRun(runID, checkpoint.StatusFailed, err.Error()); cerr != nil {
			logging.Warn("Failed to record run failure: %v", cerr)
		}
		o.notifyFailure(runID, err, time.Since(startTime))
		return err
	}

	o.setPhase(runID, PhaseComplete)
	if err := o.state.CompleteRun(runID, checkpoint.StatusSuccess, ""); err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	logging.Info("Run %s completed in %s", runID, time.Since(startTime).Round(time.Second))
	return nil
}

func (o *Orchestrator) setPhase(runID, phase string) {
	o.progress.SetPhase(phase)
	if err := o.state.UpdatePhase(runID, phase); err != nil {
		logging.Warn("Failed to record phase %s: %v", phase, err)
	}
}

func (o *Orchestrator) notifyFailure(runID string, err error, duration time.Duration) {
	if nerr := o.notifier.MoveFailed(runID, err, duration); nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
}

// Run performs a one-shot move from scratch: log backup, restore of the
// whole chain, then finalize, login copy and source deletion as configured.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.execute(ctx, "move", func(ctx context.Context, runID string) error {
		opts, err := o.moveOptions()
		if err != nil {
			return err
		}
		c, err := move.NewCoordinator(opts)
		if err != nil {
			return err
		}

		o.setPhase(runID, PhaseMoving)
		start := time.Now()
		res, err := c.Move(ctx, nil)
		o.recordRound(runID, 1, start, res, err)
		if err != nil {
			return err
		}
		if err := o.saveSession(1, res); err != nil {
			return err
		}
		o.notifyResult(runID, 1, start, res)

		if res.Finalized && o.config.Move.DeleteSource {
			return o.deleteSource(ctx, runID)
		}
		return nil
	})
}

// Round applies backups taken since the persisted watermark without
// finalizing. The first round of a new session may overwrite the destination.
func (o *Orchestrator) Round(ctx context.Context) error {
	return o.execute(ctx, "round", func(ctx context.Context, runID string) error {
		return o.sessionRound(ctx, runID, false)
	})
}

// Finalize applies the remaining backups, recovers the destination and joins
// it to its availability group, copies logins, and deletes the source when
// configured.
func (o *Orchestrator) Finalize(ctx context.Context) error {
	return o.execute(ctx, "finalize", func(ctx context.Context, runID string) error {
		if err := o.sessionRound(ctx, runID, true); err != nil {
			return err
		}
		if o.config.Move.DeleteSource {
			return o.deleteSource(ctx, runID)
		}
		return nil
	})
}

func (o *Orchestrator) loadSession() (*checkpoint.Session, error) {
	sess, err := o.state.GetSession(o.sessionKey())
	if err != nil {
		return nil, fmt.Errorf("loading session state: %w", err)
	}
	if sess == nil {
		sess = &checkpoint.Session{Key: o.sessionKey()}
	}
	return sess, nil
}

func (o *Orchestrator) sessionRound(ctx context.Context, runID string, final bool) error {
	saved, err := o.loadSession()
	if err != nil {
		return err
	}
	if saved.Finalized {
		return &move.InvalidOperationError{Reason: fmt.Sprintf("move %s already finalized", saved.Key)}
	}

	opts, err := o.moveOptions()
	if err != nil {
		return err
	}
	if saved.Watermark != nil {
		logging.Info("Resuming from watermark %s after %d rounds", saved.Watermark, saved.Rounds)
	}
	session := move.NewSession(opts, saved.Watermark)

	o.setPhase(runID, PhaseMoving)
	number := saved.Rounds + 1
	start := time.Now()
	var res *move.Result
	if final {
		res, err = session.Finalize(ctx)
	} else {
		res, err = session.Round(ctx)
	}
	o.recordRound(runID, number, start, res, err)
	if err != nil {
		return err
	}
	if err := o.saveSession(number, res); err != nil {
		return err
	}
	o.notifyResult(runID, number, start, res)
	return nil
}

func (o *Orchestrator) saveSession(rounds int, res *move.Result) error {
	w := res.Watermark
	err := o.state.SaveSession(checkpoint.Session{
		Key:       o.sessionKey(),
		Watermark: &w,
		Rounds:    rounds,
		Finalized: res.Finalized,
	})
	if err != nil {
		return fmt.Errorf("saving session state: %w", err)
	}
	return nil
}

func (o *Orchestrator) recordRound(runID string, number int, start time.Time, res *move.Result, moveErr error) {
	round := checkpoint.Round{
		RunID:     runID,
		Number:    number,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if res != nil {
		w := res.Watermark
		round.Watermark = &w
		round.Applied = len(res.Applied)
		round.Finalized = res.Finalized
		round.LoginsCopied = res.LoginsCopied
		round.Duration = res.Duration
	}
	if moveErr != nil {
		round.Error = moveErr.Error()
	}
	if err := o.state.RecordRound(round); err != nil {
		logging.Warn("Failed to record round %d: %v", number, err)
	}
}

func (o *Orchestrator) notifyResult(runID string, number int, start time.Time, res *move.Result) {
	var err error
	if res.Finalized {
		err = o.notifier.MoveFinalized(runID, start, res.Duration, res.LoginsCopied)
	} else {
		err = o.notifier.RoundCompleted(runID, number, len(res.Applied), res.Watermark.String(), res.Duration)
	}
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}

// Reset forgets the persisted watermark so the next round starts over.
func (o *Orchestrator) Reset() error {
	if err := o.state.ResetSession(o.sessionKey()); err != nil {
		return fmt.Errorf("resetting session state: %w", err)
	}
	logging.Info("Session %s reset", o.sessionKey())
	return nil
}

// ErrNotFinalized is returned when the source would be deleted before the
// destination has been finalized.
var ErrNotFinalized = errors.New("destination has not been finalized")

// DeleteSource deletes the source database on every source replica. Unless
// force is set, the persisted session must be finalized.
func (o *Orchestrator) DeleteSource(ctx context.Context, force bool) error {
	return o.execute(ctx, "delete-source", func(ctx context.Context, runID string) error {
		if !force {
			sess, err := o.loadSession()
			if err != nil {
				return err
			}
			if !sess.Finalized {
				return &move.InvalidOperationError{Reason: fmt.Sprintf("refusing to delete %s: %v", o.sourceLabel(), ErrNotFinalized)}
			}
		}
		return o.deleteSource(ctx, runID)
	})
}

func (o *Orchestrator) deleteSource(ctx context.Context, runID string) error {
	o.setPhase(runID, PhaseDeleting)
	logging.Info("Deleting source database %s", o.sourceLabel())
	if err := o.source.Delete(ctx); err != nil {
		return fmt.Errorf("deleting source %s: %w", o.sourceLabel(), err)
	}
	if err := o.notifier.SourceDeleted(runID, o.sourceLabel()); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
	return nil
}
