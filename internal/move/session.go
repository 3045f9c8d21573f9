package move

import (
	"context"
	"sync"

	"github.com/johndauphine/ag-db-move/internal/backup"
)

// Session runs a progressive move: repeated rounds apply newly arrived log
// backups while the source stays online, and a final round recovers the
// destination and joins it to its availability group.
//
// Only the first round of a fresh session may overwrite the destination.
// Once finalized, the session rejects further rounds.
type Session struct {
	mu        sync.Mutex
	opts      Options
	watermark *backup.LSN
	rounds    int
	finalized bool
}

// NewSession starts a session. watermark is the LSN applied by an earlier
// process, or nil to start from scratch.
func NewSession(opts Options, watermark *backup.LSN) *Session {
	s := &Session{opts: opts}
	if watermark != nil {
		w := *watermark
		s.watermark = &w
	}
	return s
}

// Round applies newly available backups without finalizing.
func (s *Session) Round(ctx context.Context) (*Result, error) {
	return s.run(ctx, false)
}

// Finalize applies the remaining backups, recovers the destination and
// joins it to its availability group, then copies logins if requested.
func (s *Session) Finalize(ctx context.Context) (*Result, error) {
	return s.run(ctx, true)
}

func (s *Session) run(ctx context.Context, final bool) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil, &InvalidOperationError{Reason: "session already finalized"}
	}

	opts := s.opts
	opts.Overwrite = s.opts.Overwrite && s.watermark == nil && s.rounds == 0
	opts.Finalize = final
	opts.CopyLogins = final && s.opts.CopyLogins

	c, err := NewCoordinator(opts)
	if err != nil {
		return nil, err
	}
	res, err := c.Move(ctx, s.watermark)
	if err != nil {
		return nil, err
	}

	w := res.Watermark
	s.watermark = &w
	s.rounds++
	s.finalized = res.Finalized
	return res, nil
}

// Watermark returns the last applied LSN, or nil before the first round.
func (s *Session) Watermark() *backup.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermark == nil {
		return nil
	}
	w := *s.watermark
	return &w
}

// Rounds returns the number of successful rounds run by this session.
func (s *Session) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// Finalized reports whether the destination has been recovered and joined.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
