package sqlserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/ag-db-move/internal/logging"
	"github.com/johndauphine/ag-db-move/internal/replica"
)

// Replica is a direct connection to one instance. AG is nil on a
// standalone server.
type Replica struct {
	Server *Server
	AG     *AvailabilityGroup
}

// Name returns the instance name.
func (r *Replica) Name() string { return r.Server.Name() }

// IsPrimary reports whether the replica currently holds the primary role.
// A standalone server is always primary.
func (r *Replica) IsPrimary(ctx context.Context) (bool, error) {
	if r.AG == nil {
		return true, nil
	}
	return r.AG.IsPrimaryInstance(ctx)
}

// Listener is the topology behind an availability group listener: direct
// connections to the primary and to every secondary, as found at connect
// time. A standalone server is a topology with one primary and no group.
type Listener struct {
	Primary     *Replica
	Secondaries []*Replica
	agName      string
}

// ConnectListener resolves the availability group behind info and connects
// to each of its replicas. The listener connection itself is only used for
// discovery. When the instance takes part in no group it is used directly.
func ConnectListener(ctx context.Context, info ConnInfo, opts Options) (*Listener, error) {
	entry, err := Connect(ctx, info, opts)
	if err != nil {
		return nil, err
	}

	groups, err := entry.AvailabilityGroups(ctx)
	if err != nil {
		entry.Close()
		return nil, err
	}
	if len(groups) == 0 {
		logging.Info("%s is not part of an availability group; using it as a standalone server", entry.Name())
		return newListener("", &Replica{Server: entry}), nil
	}
	defer entry.Close()

	name := ListenerName(info.DataSource())
	var ag *AvailabilityGroup
	for _, g := range groups {
		if g.HasListener(name) {
			ag = g
			break
		}
	}
	if ag == nil {
		return nil, fmt.Errorf("no availability group on %s has listener %s", entry.Name(), name)
	}
	if ag.PrimaryReplica == "" {
		return nil, fmt.Errorf("availability group %s reports no primary replica", ag.Name)
	}

	l := &Listener{agName: ag.Name}
	connectReplica := func(replicaName string) (*Replica, error) {
		host, suffix := SplitDomainAndPort(replicaName)
		ds := host + PreferredPort(suffix, info.PortSuffix())
		srv, err := Connect(ctx, info.WithDataSource(ds), opts)
		if err != nil {
			return nil, err
		}
		g, err := srv.AvailabilityGroup(ctx, ag.Name)
		if err != nil {
			srv.Close()
			return nil, err
		}
		return &Replica{Server: srv, AG: g}, nil
	}

	if l.Primary, err = connectReplica(ag.PrimaryReplica); err != nil {
		return nil, err
	}
	for _, name := range ag.Secondaries() {
		r, err := connectReplica(name)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.Secondaries = append(l.Secondaries, r)
	}
	logging.Debug("Listener %s resolved to group %s: primary %s, %d secondaries",
		name, ag.Name, l.Primary.Name(), len(l.Secondaries))
	return l, nil
}

func newListener(agName string, primary *Replica, secondaries ...*Replica) *Listener {
	return &Listener{Primary: primary, Secondaries: secondaries, agName: agName}
}

// AvailabilityGroupName returns the group name, or "" for a standalone server.
func (l *Listener) AvailabilityGroupName() string { return l.agName }

// IsStandalone reports whether the topology has no availability group.
func (l *Listener) IsStandalone() bool { return l.agName == "" }

// Replicas returns the primary followed by every secondary.
func (l *Listener) Replicas() []*Replica {
	out := make([]*Replica, 0, 1+len(l.Secondaries))
	out = append(out, l.Primary)
	return append(out, l.Secondaries...)
}

// ReplicaNames returns the instance names in Replicas order.
func (l *Listener) ReplicaNames() []string {
	var names []string
	for _, r := range l.Replicas() {
		names = append(names, r.Name())
	}
	return names
}

// ForEachReplica runs fn concurrently on every replica and waits for all of
// them. Failures are aggregated into a *replica.Error.
func (l *Listener) ForEachReplica(ctx context.Context, action string, fn func(context.Context, *Replica) error) error {
	return replica.ForEach(ctx, action, l.Replicas(), (*Replica).Name, fn)
}

// Close closes every replica connection.
func (l *Listener) Close() error {
	var errs []string
	for _, r := range l.Replicas() {
		if r == nil || r.Server == nil {
			continue
		}
		if err := r.Server.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing replicas: %s", strings.Join(errs, "; "))
	}
	return nil
}
