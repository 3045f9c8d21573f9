package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/ag-db-move/internal/backup"
)

// FileState implements StateBackend using a single YAML file.
// Designed for schedulers and headless environments where SQLite is impractical.
// It keeps the latest run with its rounds plus every session.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	RunID       string                  `yaml:"run_id"`
	Command     string                  `yaml:"command,omitempty"`
	Source      string                  `yaml:"source,omitempty"`
	Destination string                  `yaml:"destination,omitempty"`
	StartedAt   time.Time               `yaml:"started_at"`
	CompletedAt *time.Time              `yaml:"completed_at,omitempty"`
	Status      string                  `yaml:"status"` // running, success, failed
	Phase       string                  `yaml:"phase"`  // initializing, backup, restore, finalize, complete
	Error       string                  `yaml:"error,omitempty"`
	ConfigHash  string                  `yaml:"config_hash,omitempty"`
	Rounds      []roundState            `yaml:"rounds,omitempty"`
	Sessions    map[string]sessionState `yaml:"sessions"`
}

type roundState struct {
	Number       int           `yaml:"number"`
	StartedAt    time.Time     `yaml:"started_at"`
	Watermark    *backup.LSN   `yaml:"watermark,omitempty"`
	Applied      int           `yaml:"applied"`
	Finalized    bool          `yaml:"finalized,omitempty"`
	LoginsCopied int           `yaml:"logins_copied,omitempty"`
	Duration     time.Duration `yaml:"duration"`
	Error        string        `yaml:"error,omitempty"`
}

type sessionState struct {
	Watermark *backup.LSN `yaml:"watermark,omitempty"`
	Rounds    int         `yaml:"rounds"`
	Finalized bool        `yaml:"finalized,omitempty"`
	UpdatedAt time.Time   `yaml:"updated_at"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path: path,
		state: &fileStateData{
			Sessions: make(map[string]sessionState),
		},
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fs.state.Sessions == nil {
			fs.state.Sessions = make(map[string]sessionState)
		}
	}

	return fs, nil
}

// save writes the current state to the YAML file.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// CreateRun replaces the tracked run. Sessions survive.
func (fs *FileState) CreateRun(run Run, config any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	configJSON, _ := json.Marshal(config)
	hash := sha256.Sum256(configJSON)

	fs.state = &fileStateData{
		RunID:       run.ID,
		Command:     run.Command,
		Source:      run.Source,
		Destination: run.Destination,
		StartedAt:   time.Now(),
		Status:      StatusRunning,
		Phase:       "initializing",
		ConfigHash:  hex.EncodeToString(hash[:8]),
		Sessions:    fs.state.Sessions,
	}

	return fs.save()
}

// CompleteRun marks the run as complete.
func (fs *FileState) CompleteRun(id string, status string, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID != id {
		return fmt.Errorf("run ID mismatch: expected %s, got %s", fs.state.RunID, id)
	}

	now := time.Now()
	fs.state.Status = status
	fs.state.CompletedAt = &now
	fs.state.Error = errorMsg

	return fs.save()
}

// UpdatePhase updates the current phase of a run.
func (fs *FileState) UpdatePhase(runID, phase string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID == runID {
		fs.state.Phase = phase
		return fs.save()
	}
	return nil
}

func (fs *FileState) run() *Run {
	return &Run{
		ID:          fs.state.RunID,
		Command:     fs.state.Command,
		Source:      fs.state.Source,
		Destination: fs.state.Destination,
		StartedAt:   fs.state.StartedAt,
		CompletedAt: fs.state.CompletedAt,
		Status:      fs.state.Status,
		Phase:       fs.state.Phase,
		Error:       fs.state.Error,
	}
}

// GetLastIncompleteRun returns the current run if it's incomplete.
func (fs *FileState) GetLastIncompleteRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" || fs.state.Status != StatusRunning {
		return nil, nil
	}
	return fs.run(), nil
}

// RecordRound stores a round of the current run, replacing one with the
// same number.
func (fs *FileState) RecordRound(round Round) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.RunID != round.RunID {
		return fmt.Errorf("run ID mismatch: expected %s, got %s", fs.state.RunID, round.RunID)
	}

	rs := roundState{
		Number:       round.Number,
		StartedAt:    round.StartedAt,
		Watermark:    round.Watermark,
		Applied:      round.Applied,
		Finalized:    round.Finalized,
		LoginsCopied: round.LoginsCopied,
		Duration:     round.Duration,
		Error:        round.Error,
	}
	replaced := false
	for i := range fs.state.Rounds {
		if fs.state.Rounds[i].Number == round.Number {
			fs.state.Rounds[i] = rs
			replaced = true
		}
	}
	if !replaced {
		fs.state.Rounds = append(fs.state.Rounds, rs)
		sort.Slice(fs.state.Rounds, func(i, j int) bool {
			return fs.state.Rounds[i].Number < fs.state.Rounds[j].Number
		})
	}

	return fs.save()
}

// GetRounds returns the rounds of the current run.
func (fs *FileState) GetRounds(runID string) ([]Round, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID != runID {
		return nil, nil
	}
	rounds := make([]Round, 0, len(fs.state.Rounds))
	for _, rs := range fs.state.Rounds {
		rounds = append(rounds, Round{
			RunID:        runID,
			Number:       rs.Number,
			StartedAt:    rs.StartedAt,
			Watermark:    rs.Watermark,
			Applied:      rs.Applied,
			Finalized:    rs.Finalized,
			LoginsCopied: rs.LoginsCopied,
			Duration:     rs.Duration,
			Error:        rs.Error,
		})
	}
	return rounds, nil
}

// GetSession returns the progressive state for key, or nil if none exists.
func (fs *FileState) GetSession(key string) (*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	ss, ok := fs.state.Sessions[key]
	if !ok {
		return nil, nil
	}
	return &Session{
		Key:       key,
		Watermark: ss.Watermark,
		Rounds:    ss.Rounds,
		Finalized: ss.Finalized,
		UpdatedAt: ss.UpdatedAt,
	}, nil
}

// SaveSession stores the progressive state of a move.
func (fs *FileState) SaveSession(s Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Sessions[s.Key] = sessionState{
		Watermark: s.Watermark,
		Rounds:    s.Rounds,
		Finalized: s.Finalized,
		UpdatedAt: time.Now(),
	}
	return fs.save()
}

// ResetSession forgets the progressive state for key.
func (fs *FileState) ResetSession(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Sessions[key]; !ok {
		return nil
	}
	delete(fs.state.Sessions, key)
	return fs.save()
}

// GetAllRuns returns the current run only (file state doesn't track history).
func (fs *FileState) GetAllRuns() ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" {
		return nil, nil
	}
	return []Run{*fs.run()}, nil
}

// GetRunByID returns the run if it matches.
func (fs *FileState) GetRunByID(runID string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" || fs.state.RunID != runID {
		return nil, nil
	}
	return fs.run(), nil
}

// Close is a no-op for file state.
func (fs *FileState) Close() error {
	return nil
}

// Path returns the state file path.
func (fs *FileState) Path() string {
	return fs.path
}
