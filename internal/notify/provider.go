package notify

import "time"

// Provider defines the notification contract for move events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// MoveStarted sends notification when a move command starts.
	MoveStarted(runID, command, source, destination string) error

	// RoundCompleted sends notification when a round restored new backups without finalizing.
	RoundCompleted(runID string, round, applied int, watermark string, duration time.Duration) error

	// MoveFinalized sends notification when the destination was recovered and joined.
	MoveFinalized(runID string, startTime time.Time, duration time.Duration, loginsCopied int) error

	// MoveFailed sends notification when a move command fails.
	MoveFailed(runID string, err error, duration time.Duration) error

	// SourceDeleted sends notification when the source database was deleted.
	SourceDeleted(runID, source string) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
