// Package exitcodes defines standard exit codes for CLI operations so that
// schedulers and orchestration environments can decide whether to retry.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/move"
	"github.com/johndauphine/ag-db-move/internal/replica"
	"github.com/johndauphine/ag-db-move/internal/retry"
	"github.com/johndauphine/ag-db-move/internal/sqlserver"
)

const (
	// Success - move completed without errors
	Success = 0

	// ConfigError - configuration parsing errors or a rejected precondition (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - connection failures and transient server errors, including exhausted retries (recoverable)
	ConnectionError = 2

	// MoveError - a backup, restore or join statement failed permanently (non-recoverable)
	MoveError = 3

	// ValidationError - the backup chain is incomplete or a backup location is invalid (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - state file or database errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed errors are classified first, then the message is examined.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	var chainErr *backup.ChainError
	var invalidBackup *sqlserver.InvalidBackupError
	if errors.As(err, &chainErr) || errors.As(err, &invalidBackup) {
		return ValidationError
	}

	var invalidOp *move.InvalidOperationError
	if errors.As(err, &invalidOp) {
		return ConfigError
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return ConnectionError
	}

	// A fan-out is recoverable only when every replica failure was transient
	var replicaErr *replica.Error
	if errors.As(err, &replicaErr) {
		if replicaErr.Temporary() {
			return ConnectionError
		}
		return MoveError
	}

	var transient *sqlserver.TransientError
	var joinErr *sqlserver.AgJoinError
	if errors.As(err, &transient) || errors.As(err, &joinErr) {
		return ConnectionError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	return fromMessage(strings.ToLower(err.Error()))
}

func fromMessage(errStr string) int {
	// IO errors - check early for file-related errors (exit code 7)
	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Config errors (exit code 1)
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"is required",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Connection errors (exit code 2)
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
	}) {
		return Cancelled
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"state",
		"checkpoint",
		"run not found",
		"session",
	}) {
		return StateError
	}

	// Default to move error for unknown errors
	return MoveError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case MoveError:
		return "move error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
