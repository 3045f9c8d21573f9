package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/logging"
)

// Tracker tracks restore progress across destination replicas. One unit is
// one RESTORE statement on one replica.
type Tracker struct {
	showBar   bool
	reporter  Reporter
	bar       *progressbar.ProgressBar
	total     atomic.Int64
	current   atomic.Int64
	startTime time.Time

	mu       sync.Mutex
	phase    string
	replicas map[string]int // replica -> steps restored
}

// New creates a progress tracker. A nil reporter disables JSON updates.
func New(reporter Reporter, showBar bool) *Tracker {
	if reporter == nil {
		reporter = &NullReporter{}
	}
	return &Tracker{
		showBar:   showBar,
		reporter:  reporter,
		startTime: time.Now(),
		replicas:  make(map[string]int),
	}
}

// SetTotal sets the number of restore steps each of replicas will apply.
func (t *Tracker) SetTotal(steps, replicas int) {
	total := int64(steps * replicas)
	t.total.Store(total)
	t.current.Store(0)

	t.mu.Lock()
	t.replicas = make(map[string]int)
	t.mu.Unlock()

	if t.showBar {
		t.bar = progressbar.NewOptions64(
			total,
			progressbar.OptionSetDescription(fmt.Sprintf("Restoring on %d replicas", replicas)),
			progressbar.OptionShowBytes(false),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("restores"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	t.reporter.ReportImmediate(t.update("restore", ""))
}

// SetPhase records the current phase and reports it immediately.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.reporter.ReportImmediate(t.update(phase, ""))
}

// StepRestored records a completed RESTORE statement. It is safe for
// concurrent use by replica goroutines.
func (t *Tracker) StepRestored(replica string, step backup.Step) {
	done := t.current.Add(1)

	t.mu.Lock()
	t.replicas[replica]++
	t.phase = "restore"
	t.mu.Unlock()

	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("Restored %s on %s", step.Type(), replica))
		t.bar.Add(1)
	}

	u := t.update("restore", replica)
	u.BackupType = step.Type().String()
	u.LastLSN = step.LastLSN().String()
	if done >= t.total.Load() {
		t.reporter.ReportImmediate(u)
	} else {
		t.reporter.Report(u)
	}
}

// ReplicaSteps returns the number of steps restored on replica.
func (t *Tracker) ReplicaSteps(replica string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replicas[replica]
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

func (t *Tracker) update(phase, replica string) ProgressUpdate {
	total := t.total.Load()
	done := t.current.Load()
	pct := 0.0
	if total > 0 {
		pct = float64(done) * 100 / float64(total)
	}
	return ProgressUpdate{
		Phase:         phase,
		StepsComplete: done,
		StepsTotal:    total,
		ProgressPct:   pct,
		Replica:       replica,
	}
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Println()
	}

	t.mu.Lock()
	replicas := len(t.replicas)
	t.mu.Unlock()

	logging.Info("Restore complete: %d statements on %d replicas in %s",
		t.current.Load(), replicas, time.Since(t.startTime).Round(time.Second))
	t.reporter.ReportImmediate(t.update("complete", ""))
}
