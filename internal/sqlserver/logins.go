package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/login"
)

// loginsQuery lists the server logins mapped to users of a database. The
// database name is quoted into the statement since it selects the catalog.
const loginsQuery = `
SELECT sp.name, sp.type, sp.sid,
       CAST(LOGINPROPERTY(sp.name, 'PasswordHash') AS varbinary(256)),
       sp.default_database_name
FROM %s.sys.database_principals dp
INNER JOIN sys.server_principals sp ON dp.sid = sp.sid
WHERE sp.type IN ('S', 'U', 'G')
  AND dp.principal_id > 4
ORDER BY sp.name`

// Logins returns the logins mapped to users of db.
func (s *Server) Logins(ctx context.Context, db string) ([]login.Properties, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(loginsQuery, quoteIdent(db)))
	if err != nil {
		return nil, wrap(s.name, "reading logins of "+db, err)
	}
	defer rows.Close()

	var logins []login.Properties
	for rows.Next() {
		var (
			p       login.Properties
			typ     string
			defDB   sql.NullString
			pwdHash []byte
		)
		if err := rows.Scan(&p.Name, &typ, &p.SID, &pwdHash, &defDB); err != nil {
			return nil, wrap(s.name, "scanning logins", err)
		}
		if p.Type, err = login.ParseType(strings.TrimSpace(typ)); err != nil {
			return nil, err
		}
		p.PasswordHash = pwdHash
		p.DefaultDatabase = defDB.String
		logins = append(logins, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(s.name, "reading logins of "+db, err)
	}
	return logins, nil
}

// LoginExists reports whether a login with the given name exists.
func (s *Server) LoginExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sys.server_principals WHERE name = @name",
		sql.Named("name", name)).Scan(&n)
	if err != nil {
		return false, wrap(s.name, "checking login "+name, err)
	}
	return n > 0, nil
}

// createLoginStatement builds CREATE LOGIN for p. DDL takes no parameters,
// so names are quoted and binary values rendered as literals.
func createLoginStatement(p login.Properties) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE LOGIN %s", quoteIdent(p.Name))
	if p.IsWindows() {
		b.WriteString(" FROM WINDOWS")
		if p.DefaultDatabase != "" {
			fmt.Fprintf(&b, " WITH DEFAULT_DATABASE = %s", quoteIdent(p.DefaultDatabase))
		}
		return b.String()
	}
	fmt.Fprintf(&b, " WITH PASSWORD = %s HASHED, SID = %s", p.PasswordHashHex(), p.SIDHex())
	if p.DefaultDatabase != "" {
		fmt.Fprintf(&b, ", DEFAULT_DATABASE = %s", quoteIdent(p.DefaultDatabase))
	}
	b.WriteString(", CHECK_POLICY = OFF")
	return b.String()
}

// EnsureLogins creates each login missing on the instance. Existing logins
// are left untouched. It returns the number created.
func (s *Server) EnsureLogins(ctx context.Context, logins []login.Properties) (int, error) {
	log := logging.WithField("replica", s.name)
	created := 0
	for _, p := range logins {
		if err := p.Validate(); err != nil {
			return created, err
		}
		exists, err := s.LoginExists(ctx, p.Name)
		if err != nil {
			return created, err
		}
		if exists {
			log.Debug("Login %s already exists", p.Name)
			continue
		}
		log.Info("Creating %s login %s", p.Type, p.Name)
		if _, err := s.db.ExecContext(ctx, createLoginStatement(p)); err != nil {
			return created, wrap(s.name, "creating login "+p.Name, err)
		}
		created++
	}
	return created, nil
}
