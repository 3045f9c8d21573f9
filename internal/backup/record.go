// Package backup models SQL Server backup history and reconstructs the
// ordered restore chain (full, optional differential, logs) from it.
package backup

import (
	"fmt"
	"strings"
	"time"
)

// Type is the kind of a backup set.
type Type int

const (
	// Full is a database backup (msdb type 'D').
	Full Type = iota + 1
	// Differential is a differential database backup (msdb type 'I').
	Differential
	// Log is a transaction log backup (msdb type 'L').
	Log
)

// ParseType converts an msdb backupset.type abbreviation to a Type.
func ParseType(abbrev string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(abbrev)) {
	case "D":
		return Full, nil
	case "I":
		return Differential, nil
	case "L":
		return Log, nil
	default:
		return 0, fmt.Errorf("invalid backup type %q", abbrev)
	}
}

// Abbrev returns the msdb abbreviation.
func (t Type) Abbrev() string {
	switch t {
	case Full:
		return "D"
	case Differential:
		return "I"
	case Log:
		return "L"
	default:
		return "?"
	}
}

// Extension returns the conventional backup file extension.
func (t Type) Extension() string {
	switch t {
	case Full:
		return "bak"
	case Differential:
		return "diff"
	case Log:
		return "trn"
	default:
		return ""
	}
}

func (t Type) String() string {
	switch t {
	case Full:
		return "full"
	case Differential:
		return "differential"
	case Log:
		return "log"
	default:
		return "unknown"
	}
}

// Record is one row of backup history: a single physical file of a backup set.
// Striped backups produce one Record per file with identical LSN coordinates.
type Record struct {
	DatabaseName      string
	Type              Type
	CheckpointLSN     LSN
	DatabaseBackupLSN LSN
	FirstLSN          LSN
	LastLSN           LSN
	PhysicalLocation  string
	ServerName        string
	StartTime         time.Time
}

// SameBackup reports whether a and b describe the same backup occurrence,
// regardless of which file holds it.
func SameBackup(a, b Record) bool {
	return strings.EqualFold(a.DatabaseName, b.DatabaseName) &&
		a.Type == b.Type &&
		a.FirstLSN.Equal(b.FirstLSN) &&
		a.LastLSN.Equal(b.LastLSN)
}

// SameFile reports whether a and b are repeated metadata rows for the same file.
func SameFile(a, b Record) bool {
	return SameBackup(a, b) && locationKey(a.PhysicalLocation) == locationKey(b.PhysicalLocation)
}

// key identifies a record for exact-repeat collapsing.
type key struct {
	database string
	typ      Type
	first    string
	last     string
	location string
}

func fileKey(r Record) key {
	return key{
		database: strings.ToLower(r.DatabaseName),
		typ:      r.Type,
		first:    r.FirstLSN.String(),
		last:     r.LastLSN.String(),
		location: locationKey(r.PhysicalLocation),
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s [%s..%s] %s", r.DatabaseName, r.Type, r.FirstLSN, r.LastLSN, r.PhysicalLocation)
}
