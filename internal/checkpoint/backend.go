package checkpoint

import (
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Run is one invocation of a move command.
type Run struct {
	ID          string
	Command     string // move, round, finalize
	Source      string // data source/database
	Destination string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Phase       string
	Error       string
	Config      string
}

// Round is one coordinator pass recorded under a run.
type Round struct {
	RunID        string
	Number       int
	StartedAt    time.Time
	Watermark    *backup.LSN // After the round; nil when it failed before restoring
	Applied      int
	Finalized    bool
	LoginsCopied int
	Duration     time.Duration
	Error        string
}

// Session is the progressive state of a move between one source and one
// destination, carried across invocations.
type Session struct {
	Key       string
	Watermark *backup.LSN
	Rounds    int
	Finalized bool
	UpdatedAt time.Time
}

// SessionKey identifies a move by its two ends.
func SessionKey(source, destination string) string {
	return source + " -> " + destination
}

// StateBackend defines the interface for state persistence.
// Implementations include SQLite (full history) and a YAML file (latest run only).
type StateBackend interface {
	// Run management
	CreateRun(run Run, config any) error
	CompleteRun(id string, status string, errorMsg string) error
	UpdatePhase(runID, phase string) error
	GetLastIncompleteRun() (*Run, error)

	// Rounds
	RecordRound(round Round) error
	GetRounds(runID string) ([]Round, error)

	// Progressive session state
	GetSession(key string) (*Session, error)
	SaveSession(s Session) error
	ResetSession(key string) error

	// History (file backend keeps only the latest run)
	GetAllRuns() ([]Run, error)
	GetRunByID(runID string) (*Run, error)

	// Lifecycle
	Close() error
}

// Ensure both backends implement StateBackend
var (
	_ StateBackend = (*State)(nil)
	_ StateBackend = (*FileState)(nil)
)
