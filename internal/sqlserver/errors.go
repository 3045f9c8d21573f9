package sqlserver

import (
	"database/sql/driver"
	"errors"
	"fmt"

	mssql "github.com/microsoft/go-mssqldb"
)

// Server error numbers treated as transient.
const (
	errDeadlockVictim      = 1205
	errLockTimeout         = 1222
	errBackupSerialized    = 3023
	errExclusiveAccess     = 3101
	errCannotOpenDevice    = 3201
	errDatabaseInUse       = 3702
	errPrimaryNotConnected = 35250
)

var transientNumbers = map[int32]bool{
	errDeadlockVictim:      true,
	errLockTimeout:         true,
	errBackupSerialized:    true,
	errExclusiveAccess:     true,
	errCannotOpenDevice:    true,
	errDatabaseInUse:       true,
	errPrimaryNotConnected: true,
}

// IsTransient reports whether err is a server or driver failure that can
// succeed when repeated: a busy backup device, a database in use, a lock
// timeout or a broken connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var aj *AgJoinError
	if errors.As(err, &aj) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		if transientNumbers[sqlErr.Number] {
			return true
		}
		for _, e := range sqlErr.All {
			if transientNumbers[e.Number] {
				return true
			}
		}
	}
	return false
}

// ErrorNumber returns the server error number carried by err, or 0.
func ErrorNumber(err error) int32 {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Number
	}
	return 0
}

// TransientError marks a failure on one replica as retryable.
type TransientError struct {
	Replica string
	Op      string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Replica, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary reports true; the operation may succeed if repeated.
func (e *TransientError) Temporary() bool { return true }

// AgJoinError reports that a secondary could not join because the
// availability group does not yet list the database.
type AgJoinError struct {
	AvailabilityGroup string
	Database          string
	Replica           string
}

func (e *AgJoinError) Error() string {
	return fmt.Sprintf("availability database %s not found in group %s on %s", e.Database, e.AvailabilityGroup, e.Replica)
}

// Temporary reports true; the primary may not have propagated the database yet.
func (e *AgJoinError) Temporary() bool { return true }

// InvalidBackupError reports backup content that cannot be restored as asked.
type InvalidBackupError struct {
	Location string
	Reason   string
}

func (e *InvalidBackupError) Error() string {
	return fmt.Sprintf("invalid backup %s: %s", e.Location, e.Reason)
}

// wrap annotates err with the replica and operation, marking it transient
// when the server reports a retryable condition.
func wrap(replica, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		var te *TransientError
		if errors.As(err, &te) {
			return err
		}
		return &TransientError{Replica: replica, Op: op, Err: err}
	}
	return fmt.Errorf("%s on %s: %w", op, replica, err)
}
