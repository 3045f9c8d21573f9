package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/ag-db-move/internal/logging"
)

// AvailabilityGroup is an availability group as seen from one replica.
// Topology fields are read once; role and membership are queried live.
type AvailabilityGroup struct {
	Name           string
	PrimaryReplica string
	Replicas       []string
	Listeners      []string

	server *Server
}

const availabilityGroupsQuery = `
SELECT ag.name, ISNULL(gs.primary_replica, ''), ar.replica_server_name, ISNULL(l.dns_name, '')
FROM sys.availability_groups ag
LEFT JOIN sys.dm_hadr_availability_group_states gs ON ag.group_id = gs.group_id
INNER JOIN sys.availability_replicas ar ON ag.group_id = ar.group_id
LEFT JOIN sys.availability_group_listeners l ON ag.group_id = l.group_id
ORDER BY ag.name, ar.replica_server_name`

// AvailabilityGroups lists the availability groups the instance takes part in.
func (s *Server) AvailabilityGroups(ctx context.Context) ([]*AvailabilityGroup, error) {
	rows, err := s.db.QueryContext(ctx, availabilityGroupsQuery)
	if err != nil {
		return nil, wrap(s.name, "reading availability groups", err)
	}
	defer rows.Close()

	var groups []*AvailabilityGroup
	byName := make(map[string]*AvailabilityGroup)
	for rows.Next() {
		var name, primary, replicaName, listener string
		if err := rows.Scan(&name, &primary, &replicaName, &listener); err != nil {
			return nil, wrap(s.name, "scanning availability groups", err)
		}
		ag, ok := byName[name]
		if !ok {
			ag = &AvailabilityGroup{Name: name, PrimaryReplica: primary, server: s}
			byName[name] = ag
			groups = append(groups, ag)
		}
		ag.Replicas = appendUnique(ag.Replicas, replicaName)
		ag.Listeners = appendUnique(ag.Listeners, listener)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(s.name, "reading availability groups", err)
	}
	return groups, nil
}

// AvailabilityGroup returns the named group as seen from this instance.
func (s *Server) AvailabilityGroup(ctx context.Context, name string) (*AvailabilityGroup, error) {
	groups, err := s.AvailabilityGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, ag := range groups {
		if strings.EqualFold(ag.Name, name) {
			return ag, nil
		}
	}
	return nil, fmt.Errorf("availability group %s not found on %s", name, s.name)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return list
		}
	}
	return append(list, v)
}

// HasListener reports whether the group has a listener with the given short name.
func (ag *AvailabilityGroup) HasListener(name string) bool {
	for _, l := range ag.Listeners {
		if strings.EqualFold(ListenerName(l), name) {
			return true
		}
	}
	return false
}

// Secondaries returns every replica other than the primary.
func (ag *AvailabilityGroup) Secondaries() []string {
	var out []string
	for _, r := range ag.Replicas {
		if !strings.EqualFold(r, ag.PrimaryReplica) {
			out = append(out, r)
		}
	}
	return out
}

// IsPrimaryInstance reports whether the instance currently holds the primary role.
func (ag *AvailabilityGroup) IsPrimaryInstance(ctx context.Context) (bool, error) {
	var primary sql.NullString
	err := ag.server.db.QueryRowContext(ctx, `
		SELECT gs.primary_replica
		FROM sys.dm_hadr_availability_group_states gs
		INNER JOIN sys.availability_groups ag ON gs.group_id = ag.group_id
		WHERE ag.name = @ag`, sql.Named("ag", ag.Name)).Scan(&primary)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap(ag.server.name, "reading primary replica of "+ag.Name, err)
	}
	return strings.EqualFold(primary.String, ag.server.name), nil
}

// Contains reports whether the group lists db as an availability database.
func (ag *AvailabilityGroup) Contains(ctx context.Context, db string) (bool, error) {
	return ag.count(ctx, "checking availability database "+db, `
		SELECT COUNT(*)
		FROM sys.availability_databases_cluster adc
		INNER JOIN sys.availability_groups ag ON adc.group_id = ag.group_id
		WHERE ag.name = @ag AND adc.database_name = @db`, db)
}

// IsInitializing reports whether the local copy of db is still being seeded.
func (ag *AvailabilityGroup) IsInitializing(ctx context.Context, db string) (bool, error) {
	return ag.count(ctx, "checking initialization of "+db, `
		SELECT COUNT(*)
		FROM sys.dm_hadr_database_replica_states drs
		INNER JOIN sys.availability_groups ag ON drs.group_id = ag.group_id
		WHERE ag.name = @ag AND drs.is_local = 1
		  AND drs.database_id = DB_ID(@db)
		  AND drs.synchronization_state_desc = 'INITIALIZING'`, db)
}

// isJoined reports whether the local copy of db takes part in the group.
func (ag *AvailabilityGroup) isJoined(ctx context.Context, db string) (bool, error) {
	return ag.count(ctx, "checking membership of "+db, `
		SELECT COUNT(*)
		FROM sys.dm_hadr_database_replica_states drs
		INNER JOIN sys.availability_groups ag ON drs.group_id = ag.group_id
		WHERE ag.name = @ag AND drs.is_local = 1 AND drs.database_id = DB_ID(@db)`, db)
}

func (ag *AvailabilityGroup) count(ctx context.Context, op, query, db string) (bool, error) {
	var n int
	err := ag.server.db.QueryRowContext(ctx, query, sql.Named("ag", ag.Name), sql.Named("db", db)).Scan(&n)
	if err != nil {
		return false, wrap(ag.server.name, op, err)
	}
	return n > 0, nil
}

// JoinPrimary adds db to the group. It must run on the primary; a database
// already in the group is left alone.
func (ag *AvailabilityGroup) JoinPrimary(ctx context.Context, db string) error {
	ok, err := ag.Contains(ctx, db)
	if err != nil || ok {
		return err
	}
	logging.WithField("replica", ag.server.name).Info("Adding %s to availability group %s", db, ag.Name)
	stmt := fmt.Sprintf("ALTER AVAILABILITY GROUP %s ADD DATABASE %s", quoteIdent(ag.Name), quoteIdent(db))
	_, err = ag.server.db.ExecContext(ctx, stmt)
	return wrap(ag.server.name, "adding "+db+" to "+ag.Name, err)
}

// JoinSecondary joins the local restoring copy of db to the group. The
// primary must already list the database, otherwise an *AgJoinError is
// returned so the caller can retry once the group catches up.
func (ag *AvailabilityGroup) JoinSecondary(ctx context.Context, db string) error {
	ok, err := ag.Contains(ctx, db)
	if err != nil {
		return err
	}
	if !ok {
		return &AgJoinError{AvailabilityGroup: ag.Name, Database: db, Replica: ag.server.name}
	}
	joined, err := ag.isJoined(ctx, db)
	if err != nil || joined {
		return err
	}
	logging.WithField("replica", ag.server.name).Info("Joining %s to availability group %s", db, ag.Name)
	stmt := fmt.Sprintf("ALTER DATABASE %s SET HADR AVAILABILITY GROUP = %s", quoteIdent(db), quoteIdent(ag.Name))
	_, err = ag.server.db.ExecContext(ctx, stmt)
	return wrap(ag.server.name, "joining "+db+" to "+ag.Name, err)
}

// Remove takes db out of the group. A database not in the group is ignored.
func (ag *AvailabilityGroup) Remove(ctx context.Context, db string) error {
	ok, err := ag.Contains(ctx, db)
	if err != nil || !ok {
		return err
	}
	logging.WithField("replica", ag.server.name).Info("Removing %s from availability group %s", db, ag.Name)
	stmt := fmt.Sprintf("ALTER AVAILABILITY GROUP %s REMOVE DATABASE %s", quoteIdent(ag.Name), quoteIdent(db))
	_, err = ag.server.db.ExecContext(ctx, stmt)
	return wrap(ag.server.name, "removing "+db+" from "+ag.Name, err)
}
