package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

// DatabaseFile is one file listed by RESTORE FILELISTONLY.
type DatabaseFile struct {
	LogicalName  string
	PhysicalName string
	// Type is D (data), L (log), F (full-text) or S (filestream).
	Type string
}

// IsLog reports whether the file is a transaction log file.
func (f DatabaseFile) IsLog() bool { return strings.EqualFold(f.Type, "L") }

// deviceClause renders "DISK = @d0, URL = @d1" for the given locations.
func deviceClause(locations []string) (string, []any) {
	parts := make([]string, len(locations))
	args := make([]any, len(locations))
	for i, loc := range locations {
		kind := "DISK"
		if backup.IsURL(loc) {
			kind = "URL"
		}
		name := fmt.Sprintf("d%d", i)
		parts[i] = fmt.Sprintf("%s = @%s", kind, name)
		args[i] = sql.Named(name, loc)
	}
	return strings.Join(parts, ", "), args
}

// FileList reads the files contained in a backup set striped across locations.
func (s *Server) FileList(ctx context.Context, locations []string) ([]DatabaseFile, error) {
	devices, args := deviceClause(locations)
	rows, err := s.db.QueryContext(ctx, "RESTORE FILELISTONLY FROM "+devices, args...)
	if err != nil {
		return nil, wrap(s.name, "reading file list", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrap(s.name, "reading file list", err)
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(c)] = i
	}
	for _, c := range []string{"logicalname", "physicalname", "type"} {
		if _, ok := index[c]; !ok {
			return nil, &InvalidBackupError{Location: strings.Join(locations, ", "), Reason: "file list has no " + c + " column"}
		}
	}

	var files []DatabaseFile
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrap(s.name, "scanning file list", err)
		}
		files = append(files, DatabaseFile{
			LogicalName:  asString(values[index["logicalname"]]),
			PhysicalName: asString(values[index["physicalname"]]),
			Type:         asString(values[index["type"]]),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(s.name, "reading file list", err)
	}
	return files, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// fileMove is one MOVE clause of a restore.
type fileMove struct {
	Logical string
	Target  string
}

// relocations plans where each file of a data backup is restored: the
// instance default data or log directory, under the relocated file name.
// Without a default directory the file keeps its original directory.
func relocations(files []DatabaseFile, dataDir, logDir string, relocate func(string) string) ([]fileMove, error) {
	moves := make([]fileMove, 0, len(files))
	for _, f := range files {
		name := relocate(baseName(f.PhysicalName))
		if name == "" {
			return nil, &InvalidBackupError{Location: f.PhysicalName, Reason: "relocated file name for " + f.LogicalName + " is empty"}
		}
		dir := dataDir
		if f.IsLog() {
			dir = logDir
		}
		if dir == "" {
			dir = dirName(f.PhysicalName)
		}
		target := name
		if dir != "" {
			target = joinPath(dir, name)
		}
		moves = append(moves, fileMove{Logical: f.LogicalName, Target: target})
	}
	return moves, nil
}

// restoreStatement builds the RESTORE statement for one logical step.
func restoreStatement(db string, step backup.Step, moves []fileMove) (string, []any) {
	kind := "DATABASE"
	if step.Type() == backup.Log {
		kind = "LOG"
	}
	devices, args := deviceClause(step.Locations())
	var b strings.Builder
	fmt.Fprintf(&b, "RESTORE %s @db FROM %s WITH NORECOVERY", kind, devices)
	args = append(args, sql.Named("db", db))
	for i, m := range moves {
		l, p := fmt.Sprintf("l%d", i), fmt.Sprintf("p%d", i)
		fmt.Fprintf(&b, ", MOVE @%s TO @%s", l, p)
		args = append(args, sql.Named(l, m.Logical), sql.Named(p, m.Target))
	}
	return b.String(), args
}

// Restore applies records in order with NORECOVERY, one statement per
// logical backup. Full and differential restores move every file into the
// instance default directories under its relocated name.
func (s *Server) Restore(ctx context.Context, db string, records []backup.Record, relocate func(string) string) error {
	if relocate == nil {
		relocate = func(name string) string { return name }
	}
	log := logging.WithField("replica", s.name)

	var dataDir, logDir string
	var dirsLoaded bool
	for _, step := range backup.GroupSteps(records) {
		var moves []fileMove
		if step.Type() != backup.Log {
			if !dirsLoaded {
				var err error
				if dataDir, logDir, err = s.DefaultFileLocations(ctx); err != nil {
					return err
				}
				dirsLoaded = true
			}
			files, err := s.FileList(ctx, step.Locations())
			if err != nil {
				return err
			}
			if moves, err = relocations(files, dataDir, logDir, relocate); err != nil {
				return err
			}
		}

		stmt, args := restoreStatement(db, step, moves)
		op := fmt.Sprintf("restore %s %s", step.Type(), strings.Join(step.Locations(), ", "))
		log.Info("Restoring %s backup of %s up to LSN %s (%d file(s))", step.Type(), db, step.LastLSN(), len(step.Records))
		err := retry.Do(ctx, s.opts.statementPolicy(op), func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, s.opts.RestoreTimeout)
			defer cancel()
			_, err := s.db.ExecContext(rctx, stmt, args...)
			return wrap(s.name, op, err)
		})
		if err != nil {
			return err
		}
		if s.opts.OnRestoreStep != nil {
			s.opts.OnRestoreStep(s.name, step)
		}
	}
	return nil
}
