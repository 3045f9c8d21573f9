package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/retry"
)

// Defaults for Options.
const (
	DefaultRestoreTimeout    = 24 * time.Hour
	DefaultStatementAttempts = 4
	DefaultJoinAttempts      = 6
	DefaultInitializingWait  = 60 * time.Second
)

// Options tune how statements are issued against every instance.
type Options struct {
	// BackupPathTemplate names new backup files. Placeholders: {database},
	// {server}, {timestamp}, {extension}. Empty uses the instance default
	// backup directory.
	BackupPathTemplate string
	// BackupPathQuery returns a backup directory when no template is set.
	BackupPathQuery string
	// RestoreTimeout bounds each RESTORE statement.
	RestoreTimeout time.Duration
	// StatementAttempts bounds retries of a statement failing transiently.
	StatementAttempts int
	// JoinAttempts bounds retries of a secondary join.
	JoinAttempts int
	// InitializingWait bounds the wait for AG initialization before a drop.
	InitializingWait time.Duration
	// Backoff paces statement and join retries.
	Backoff retry.Backoff
	// OnRestoreStep is called after each RESTORE statement completes.
	OnRestoreStep func(replica string, step backup.Step)
	// MaxOpenConns caps connections per instance.
	MaxOpenConns int
}

func (o Options) withDefaults() Options {
	if o.RestoreTimeout <= 0 {
		o.RestoreTimeout = DefaultRestoreTimeout
	}
	if o.StatementAttempts <= 0 {
		o.StatementAttempts = DefaultStatementAttempts
	}
	if o.JoinAttempts <= 0 {
		o.JoinAttempts = DefaultJoinAttempts
	}
	if o.InitializingWait <= 0 {
		o.InitializingWait = DefaultInitializingWait
	}
	if o.Backoff == nil {
		o.Backoff = retry.Exponential(2*time.Second, 30*time.Second, 2)
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	return o
}

func (o Options) statementPolicy(name string) retry.Policy {
	return retry.Policy{MaxAttempts: o.StatementAttempts, Backoff: o.Backoff, Retryable: IsTransient, Name: name}
}

// Server is a connection to one SQL Server instance.
type Server struct {
	db   *sql.DB
	name string
	info ConnInfo
	opts Options
	now  func() time.Time
}

// Connect opens and verifies a connection to the instance described by info.
// The initial catalog is always master.
func Connect(ctx context.Context, info ConnInfo, opts Options) (*Server, error) {
	info = info.WithDatabase("master")
	opts = opts.withDefaults()

	db, err := sql.Open("sqlserver", info.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection to %s: %w", info, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", info, err)
	}

	s := newServer(db, "", info, opts)
	if err := db.QueryRowContext(ctx, "SELECT CAST(@@SERVERNAME AS nvarchar(256))").Scan(&s.name); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading server name of %s: %w", info, err)
	}
	logging.Debug("Connected to %s (%s)", s.name, info)
	return s, nil
}

func newServer(db *sql.DB, name string, info ConnInfo, opts Options) *Server {
	return &Server{db: db, name: name, info: info, opts: opts.withDefaults(), now: time.Now}
}

// Name returns the instance name (@@SERVERNAME).
func (s *Server) Name() string { return s.name }

// Info returns the connection settings used for the instance.
func (s *Server) Info() ConnInfo { return s.info }

// DB returns the underlying connection pool.
func (s *Server) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Server) Close() error { return s.db.Close() }

// Ping verifies the instance is reachable.
func (s *Server) Ping(ctx context.Context) error {
	return wrap(s.name, "ping", s.db.PingContext(ctx))
}

// Version returns the product version string.
func (s *Server) Version(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT CAST(SERVERPROPERTY('ProductVersion') AS nvarchar(128))").Scan(&v)
	return v, wrap(s.name, "reading version", err)
}

// DatabaseState returns the state_desc of a database, and false if it does
// not exist.
func (s *Server) DatabaseState(ctx context.Context, db string) (string, bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state_desc FROM sys.databases WHERE name = @name",
		sql.Named("name", db)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(s.name, "reading database state", err)
	}
	return state, true, nil
}

const recentBackupsQuery = `
SELECT s.database_name, m.physical_device_name, s.backup_start_date,
       s.first_lsn, s.last_lsn, s.database_backup_lsn, s.checkpoint_lsn,
       s.[type], s.server_name
FROM msdb.dbo.backupset s
INNER JOIN msdb.dbo.backupmediafamily m ON s.media_set_id = m.media_set_id
WHERE s.database_name = @dbName
  AND s.[type] IN ('D', 'I', 'L')
  AND s.last_lsn >= CAST(@floor AS numeric(25,0))
ORDER BY s.backup_start_date DESC, s.backup_finish_date`

const latestFullQuery = `SELECT MAX(last_lsn) FROM msdb.dbo.backupset WHERE [type] = 'D' AND database_name = @dbName`

// LatestFullLSN returns the last LSN of the newest full backup of db recorded
// on this instance. It is zero when the instance has no full backup.
func (s *Server) LatestFullLSN(ctx context.Context, db string) (backup.LSN, error) {
	var lsn backup.LSN
	if err := s.db.QueryRowContext(ctx, latestFullQuery, sql.Named("dbName", db)).Scan(&lsn); err != nil {
		return backup.LSN{}, wrap(s.name, "reading latest full backup", err)
	}
	return lsn, nil
}

// RecentBackups reads backup history for db recorded on this instance whose
// last LSN is at or after floor.
func (s *Server) RecentBackups(ctx context.Context, db string, floor backup.LSN) ([]backup.Record, error) {
	rows, err := s.db.QueryContext(ctx, recentBackupsQuery, sql.Named("dbName", db), sql.Named("floor", floor))
	if err != nil {
		return nil, wrap(s.name, "reading backup history", err)
	}
	defer rows.Close()

	var records []backup.Record
	for rows.Next() {
		var (
			r          backup.Record
			typ        string
			location   sql.NullString
			serverName sql.NullString
			start      sql.NullTime
		)
		if err := rows.Scan(&r.DatabaseName, &location, &start,
			&r.FirstLSN, &r.LastLSN, &r.DatabaseBackupLSN, &r.CheckpointLSN,
			&typ, &serverName); err != nil {
			return nil, wrap(s.name, "scanning backup history", err)
		}
		if r.Type, err = backup.ParseType(typ); err != nil {
			return nil, err
		}
		r.PhysicalLocation = location.String
		r.ServerName = serverName.String
		r.StartTime = start.Time
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(s.name, "reading backup history", err)
	}
	return records, nil
}

// DefaultFileLocations returns the instance default data and log directories.
// Either may be empty when the server does not report one.
func (s *Server) DefaultFileLocations(ctx context.Context) (data, log string, err error) {
	var d, l sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT CAST(SERVERPROPERTY('InstanceDefaultDataPath') AS nvarchar(4000)),
		       CAST(SERVERPROPERTY('InstanceDefaultLogPath') AS nvarchar(4000))`).Scan(&d, &l)
	if err != nil {
		return "", "", wrap(s.name, "reading default file locations", err)
	}
	return d.String, l.String, nil
}

// RestoreWithRecovery brings a restoring database online.
func (s *Server) RestoreWithRecovery(ctx context.Context, db string) error {
	logging.WithField("replica", s.name).Info("Recovering database %s", db)
	_, err := s.db.ExecContext(ctx, "RESTORE DATABASE @db WITH RECOVERY", sql.Named("db", db))
	return wrap(s.name, "recovering "+db, err)
}

// Drop kills connections to db and drops it. A missing database is ignored.
func (s *Server) Drop(ctx context.Context, db string) error {
	state, exists, err := s.DatabaseState(ctx, db)
	if err != nil || !exists {
		return err
	}

	log := logging.WithField("replica", s.name)
	return retry.Do(ctx, s.opts.statementPolicy("drop "+db), func(ctx context.Context) error {
		if !strings.EqualFold(state, "RESTORING") {
			stmt := fmt.Sprintf("ALTER DATABASE %s SET SINGLE_USER WITH ROLLBACK IMMEDIATE", quoteIdent(db))
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return wrap(s.name, "setting single user on "+db, err)
			}
		}
		log.Info("Dropping database %s", db)
		_, err := s.db.ExecContext(ctx, "DROP DATABASE "+quoteIdent(db))
		return wrap(s.name, "dropping "+db, err)
	})
}
