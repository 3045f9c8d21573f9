package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/logging"
)

// LogBackup backs up and truncates the transaction log of db. It returns the
// location written.
func (s *Server) LogBackup(ctx context.Context, db string) (string, error) {
	return s.takeBackup(ctx, db, backup.Log)
}

// FullBackup takes a full database backup of db. It returns the location written.
func (s *Server) FullBackup(ctx context.Context, db string) (string, error) {
	return s.takeBackup(ctx, db, backup.Full)
}

func (s *Server) takeBackup(ctx context.Context, db string, typ backup.Type) (string, error) {
	template, err := s.backupPathTemplate(ctx)
	if err != nil {
		return "", err
	}
	location := expandBackupPath(template, db, s.name, typ, s.now())
	if !backup.IsValidLocation(location) {
		return "", &InvalidBackupError{Location: location, Reason: "backup path template does not produce an absolute path, UNC path or URL"}
	}

	kind := "DATABASE"
	if typ == backup.Log {
		kind = "LOG"
	}
	device := "DISK"
	if backup.IsURL(location) {
		device = "URL"
	}
	stmt := fmt.Sprintf("BACKUP %s @db TO %s = @path", kind, device)

	logging.WithField("replica", s.name).Info("Taking %s backup of %s to %s", typ, db, location)
	_, err = s.db.ExecContext(ctx, stmt, sql.Named("db", db), sql.Named("path", location))
	if err != nil {
		return "", wrap(s.name, fmt.Sprintf("%s backup of %s", typ, db), err)
	}
	return location, nil
}

// backupPathTemplate resolves the template for new backup files: the
// configured template, the directory returned by the configured query, or
// the instance default backup directory.
func (s *Server) backupPathTemplate(ctx context.Context) (string, error) {
	if s.opts.BackupPathTemplate != "" {
		return s.opts.BackupPathTemplate, nil
	}

	query := "SELECT CAST(SERVERPROPERTY('InstanceDefaultBackupPath') AS nvarchar(4000))"
	if s.opts.BackupPathQuery != "" {
		query = s.opts.BackupPathQuery
	}
	var dir sql.NullString
	if err := s.db.QueryRowContext(ctx, query).Scan(&dir); err != nil {
		return "", wrap(s.name, "reading backup directory", err)
	}
	if dir.String == "" {
		return "", fmt.Errorf("%s reports no backup directory; set backup_path_template", s.name)
	}
	return joinPath(dir.String, "{database}_backup_{timestamp}.{extension}"), nil
}

// expandBackupPath fills the placeholders of a backup path template.
func expandBackupPath(template, db, server string, typ backup.Type, t time.Time) string {
	stamp := fmt.Sprintf("%s_%03d", t.Format("2006_01_02_150405"), t.Nanosecond()/int(time.Millisecond))
	r := strings.NewReplacer(
		"{database}", db,
		"{server}", strings.ReplaceAll(server, `\`, "_"),
		"{timestamp}", stamp,
		"{extension}", typ.Extension(),
	)
	return r.Replace(template)
}

// joinPath joins a directory reported by the server and a file name, using
// the separator style of the directory.
func joinPath(dir, file string) string {
	sep := `\`
	if strings.Contains(dir, "/") && !strings.Contains(dir, `\`) {
		sep = "/"
	}
	if strings.HasSuffix(dir, sep) {
		return dir + file
	}
	return dir + sep + file
}

// baseName returns the last element of a Windows or Unix path.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// dirName returns everything before the last separator of path.
func dirName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[:i]
	}
	return ""
}
