package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johndauphine/ag-db-move/internal/backup"
)

const timeLayout = "2006-01-02 15:04:05"

// State manages move state in SQLite
type State struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new state manager
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "agmove.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &State{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		phase TEXT NOT NULL DEFAULT 'initializing',
		error TEXT,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS rounds (
		run_id TEXT NOT NULL REFERENCES runs(id),
		number INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		watermark TEXT,
		applied INTEGER NOT NULL DEFAULT 0,
		finalized INTEGER NOT NULL DEFAULT 0,
		logins_copied INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		PRIMARY KEY (run_id, number)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		watermark TEXT,
		rounds INTEGER NOT NULL DEFAULT 0,
		finalized INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

func lsnValue(l *backup.LSN) any {
	if l == nil {
		return nil
	}
	return l.String()
}

func scanLSN(v sql.NullString) (*backup.LSN, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	l, err := backup.ParseLSN(v.String)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateRun records the start of a run. config is stored as JSON and should
// already be sanitized.
func (s *State) CreateRun(run Run, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, command, source, destination, started_at, status, phase, config)
		VALUES (?, ?, ?, ?, ?, 'running', 'initializing', ?)
	`, run.ID, run.Command, run.Source, run.Destination, s.timestamp(), string(configJSON))
	return err
}

// CompleteRun marks a run as complete
func (s *State) CompleteRun(id string, status string, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ?
	`, status, s.timestamp(), errorMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// UpdatePhase records the current phase of a run
func (s *State) UpdatePhase(runID, phase string) error {
	res, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE id = ?`, phase, runID)
	if err != nil {
		return err
	}
	return requireRow(res, runID)
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const runColumns = `id, command, source, destination, started_at, completed_at, status, phase, error, config`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		r           Run
		startedAt   string
		completedAt sql.NullString
		errMsg      sql.NullString
		config      sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Command, &r.Source, &r.Destination, &startedAt, &completedAt,
		&r.Status, &r.Phase, &errMsg, &config); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	r.Error = errMsg.String
	r.Config = config.String
	return &r, nil
}

// GetLastIncompleteRun returns the most recent run still marked running
func (s *State) GetLastIncompleteRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT ` + runColumns + `
		FROM runs WHERE status = 'running'
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRunByID returns a run, or nil if it does not exist
func (s *State) GetRunByID(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetAllRuns returns the most recent runs for history
func (s *State) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT ` + runColumns + `
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 20
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RecordRound stores the outcome of one round
func (s *State) RecordRound(round Round) error {
	_, err := s.db.Exec(`
		INSERT INTO rounds (run_id, number, started_at, watermark, applied, finalized, logins_copied, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO UPDATE SET
			watermark = excluded.watermark,
			applied = excluded.applied,
			finalized = excluded.finalized,
			logins_copied = excluded.logins_copied,
			duration_ms = excluded.duration_ms,
			error = excluded.error
	`, round.RunID, round.Number, round.StartedAt.UTC().Format(timeLayout), lsnValue(round.Watermark),
		round.Applied, round.Finalized, round.LoginsCopied, round.Duration.Milliseconds(), round.Error)
	return err
}

// GetRounds returns the rounds of a run in order
func (s *State) GetRounds(runID string) ([]Round, error) {
	rows, err := s.db.Query(`
		SELECT run_id, number, started_at, watermark, applied, finalized, logins_copied, duration_ms, error
		FROM rounds WHERE run_id = ? ORDER BY number
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []Round
	for rows.Next() {
		var (
			r          Round
			startedAt  string
			watermark  sql.NullString
			durationMS int64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Number, &startedAt, &watermark, &r.Applied, &r.Finalized,
			&r.LoginsCopied, &durationMS, &errMsg); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		if r.Watermark, err = scanLSN(watermark); err != nil {
			return nil, fmt.Errorf("round %d of %s: %w", r.Number, runID, err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Error = errMsg.String
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// GetSession returns the progressive state for key, or nil if none exists
func (s *State) GetSession(key string) (*Session, error) {
	var (
		sess      Session
		watermark sql.NullString
		updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT key, watermark, rounds, finalized, updated_at FROM sessions WHERE key = ?
	`, key).Scan(&sess.Key, &watermark, &sess.Rounds, &sess.Finalized, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Watermark, err = scanLSN(watermark); err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// SaveSession stores the progressive state of a move
func (s *State) SaveSession(sess Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (key, watermark, rounds, finalized, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			watermark = excluded.watermark,
			rounds = excluded.rounds,
			finalized = excluded.finalized,
			updated_at = excluded.updated_at
	`, sess.Key, lsnValue(sess.Watermark), sess.Rounds, sess.Finalized, s.timestamp())
	return err
}

// ResetSession forgets the progressive state for key
func (s *State) ResetSession(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	return err
}

// CleanupOldRuns removes completed runs and their rounds older than the
// retention period. Running runs are never removed.
func (s *State) CleanupOldRuns(retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM rounds WHERE run_id IN (
			SELECT id FROM runs WHERE status != 'running' AND completed_at < ?
		)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE status != 'running' AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
