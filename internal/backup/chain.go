package backup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/johndauphine/ag-db-move/internal/logging"
)

// ChainError reports that no restorable chain can be formed from the
// available backup history. It is never transient.
type ChainError struct {
	Reason string
}

func (e *ChainError) Error() string {
	return "backup chain: " + e.Reason
}

// Reasons reported by BuildChain and by watermark filtering.
const (
	ReasonNoFullBackup   = "no full backups found"
	ReasonMissingLatest  = "chain does not include latest log backup"
	ReasonNothingRestore = "no backups found to restore"
)

func chainErrorf(format string, args ...any) *ChainError {
	return &ChainError{Reason: fmt.Sprintf(format, args...)}
}

// Step is one logical backup in a chain: every stripe of a single backup set,
// ordered by location.
type Step struct {
	Records []Record
}

func (s Step) first() Record { return s.Records[0] }

// Type returns the backup type shared by all stripes.
func (s Step) Type() Type { return s.first().Type }

// FirstLSN returns the first LSN covered by the step.
func (s Step) FirstLSN() LSN { return s.first().FirstLSN }

// LastLSN returns the last LSN covered by the step.
func (s Step) LastLSN() LSN { return s.first().LastLSN }

// CheckpointLSN returns the checkpoint LSN of the step.
func (s Step) CheckpointLSN() LSN { return s.first().CheckpointLSN }

// DatabaseBackupLSN returns the LSN of the full backup the step is based on.
func (s Step) DatabaseBackupLSN() LSN { return s.first().DatabaseBackupLSN }

// Locations returns the physical location of every stripe.
func (s Step) Locations() []string {
	locs := make([]string, len(s.Records))
	for i, r := range s.Records {
		locs[i] = r.PhysicalLocation
	}
	return locs
}

// GroupSteps splits an ordered record list into steps, keeping consecutive
// stripes of the same backup together.
func GroupSteps(records []Record) []Step {
	var steps []Step
	for _, r := range records {
		if n := len(steps); n > 0 && SameBackup(steps[n-1].first(), r) {
			steps[n-1].Records = append(steps[n-1].Records, r)
			continue
		}
		steps = append(steps, Step{Records: []Record{r}})
	}
	return steps
}

// Chain is an ordered restore sequence: a full backup, an optional
// differential based on it and a contiguous run of log backups.
type Chain struct {
	Full         Step
	Differential *Step
	Logs         []Step
}

// HasDifferential reports whether the chain restores a differential backup.
func (c *Chain) HasDifferential() bool { return c.Differential != nil }

// Steps returns the logical steps in restore order.
func (c *Chain) Steps() []Step {
	steps := make([]Step, 0, 2+len(c.Logs))
	steps = append(steps, c.Full)
	if c.Differential != nil {
		steps = append(steps, *c.Differential)
	}
	return append(steps, c.Logs...)
}

// Records flattens the chain into restore order, stripes adjacent.
func (c *Chain) Records() []Record {
	var out []Record
	for _, s := range c.Steps() {
		out = append(out, s.Records...)
	}
	return out
}

// LastLSN returns the LastLSN of the final step.
func (c *Chain) LastLSN() LSN {
	steps := c.Steps()
	return steps[len(steps)-1].LastLSN()
}

// After returns the records whose LastLSN is strictly greater than watermark,
// i.e. the part of the chain not yet applied by an earlier round.
func (c *Chain) After(watermark LSN) []Record {
	var out []Record
	for _, r := range c.Records() {
		if watermark.Less(r.LastLSN) {
			out = append(out, r)
		}
	}
	return out
}

// BuildChain reconstructs the most recent restore chain from backup history.
// The input may be unordered, contain repeated rows for the same file and
// rows with unusable locations; the result does not depend on input order.
func BuildChain(records []Record) (*Chain, error) {
	valid, invalid := Partition(records)
	for _, r := range invalid {
		logging.Warn("Ignoring backup with unusable location %q (%s %s)", r.PhysicalLocation, r.DatabaseName, r.Type)
	}
	valid = Dedup(valid)

	fullGroup := maxGroup(ofType(valid, Full, nil), func(r Record) LSN { return r.CheckpointLSN })
	if len(fullGroup) == 0 {
		return nil, &ChainError{Reason: ReasonNoFullBackup}
	}
	full, err := newStep(fullGroup)
	if err != nil {
		return nil, err
	}
	chain := &Chain{Full: full}
	frontier := full.LastLSN()

	anchor := full.CheckpointLSN()
	diffs := ofType(valid, Differential, func(r Record) bool { return r.DatabaseBackupLSN.Equal(anchor) })
	if diffGroup := maxGroup(diffs, func(r Record) LSN { return r.LastLSN }); len(diffGroup) > 0 {
		diff, err := newStep(diffGroup)
		if err != nil {
			return nil, err
		}
		chain.Differential = &diff
		frontier = diff.LastLSN()
	}

	logs := ofType(valid, Log, nil)
	for {
		next := ofType(logs, Log, func(r Record) bool {
			return !frontier.Less(r.FirstLSN) && frontier.Next().Less(r.LastLSN)
		})
		if len(next) == 0 {
			break
		}
		if distinct := distinctLSNs(next, func(r Record) LSN { return r.LastLSN }); len(distinct) > 1 {
			return nil, chainErrorf("ambiguous log backups after lsn %s: %d candidates ending at %v", frontier, len(distinct), distinct)
		}
		step, err := newStep(next)
		if err != nil {
			return nil, err
		}
		chain.Logs = append(chain.Logs, step)
		frontier = step.LastLSN()
	}

	maxLast := MaxLSN(lastLSNs(valid)...)
	if !chain.LastLSN().Equal(maxLast) {
		return nil, &ChainError{Reason: fmt.Sprintf("%s (chain ends at %s, latest backup ends at %s)", ReasonMissingLatest, chain.LastLSN(), maxLast)}
	}
	return chain, nil
}

// Partition splits records by location validity, preserving order.
func Partition(records []Record) (valid, invalid []Record) {
	for _, r := range records {
		if IsValidLocation(r.PhysicalLocation) {
			valid = append(valid, r)
		} else {
			invalid = append(invalid, r)
		}
	}
	return valid, invalid
}

// Dedup collapses repeated rows for the same file and returns the survivors
// in a canonical order. Stripes of one backup (different locations) are kept.
func Dedup(records []Record) []Record {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return recordLess(sorted[i], sorted[j]) })

	seen := make(map[key]struct{}, len(sorted))
	out := sorted[:0]
	for _, r := range sorted {
		k := fileKey(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// recordLess is a total order over every field, so that the survivor of a
// set of repeats does not depend on input order.
func recordLess(a, b Record) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if c := a.FirstLSN.Cmp(b.FirstLSN); c != 0 {
		return c < 0
	}
	if c := a.LastLSN.Cmp(b.LastLSN); c != 0 {
		return c < 0
	}
	if c := a.CheckpointLSN.Cmp(b.CheckpointLSN); c != 0 {
		return c < 0
	}
	if c := a.DatabaseBackupLSN.Cmp(b.DatabaseBackupLSN); c != 0 {
		return c < 0
	}
	if la, lb := strings.ToLower(a.PhysicalLocation), strings.ToLower(b.PhysicalLocation); la != lb {
		return la < lb
	}
	if a.PhysicalLocation != b.PhysicalLocation {
		return a.PhysicalLocation < b.PhysicalLocation
	}
	if la, lb := strings.ToLower(a.DatabaseName), strings.ToLower(b.DatabaseName); la != lb {
		return la < lb
	}
	if a.DatabaseName != b.DatabaseName {
		return a.DatabaseName < b.DatabaseName
	}
	if a.ServerName != b.ServerName {
		return a.ServerName < b.ServerName
	}
	return a.StartTime.Before(b.StartTime)
}

func ofType(records []Record, t Type, keep func(Record) bool) []Record {
	var out []Record
	for _, r := range records {
		if r.Type == t && (keep == nil || keep(r)) {
			out = append(out, r)
		}
	}
	return out
}

// maxGroup returns every record sharing the maximum value of by.
func maxGroup(records []Record, by func(Record) LSN) []Record {
	var (
		best LSN
		out  []Record
	)
	for _, r := range records {
		v := by(r)
		switch c := v.Cmp(best); {
		case out == nil || c > 0:
			best = v
			out = []Record{r}
		case c == 0:
			out = append(out, r)
		}
	}
	return out
}

// newStep builds a step from the records of one group. A group must hold a
// single backup occurrence; two different backups landing on the same LSN
// cannot be told apart safely.
func newStep(group []Record) (Step, error) {
	head := group[0]
	for _, r := range group[1:] {
		if !r.FirstLSN.Equal(head.FirstLSN) || !r.LastLSN.Equal(head.LastLSN) || !r.CheckpointLSN.Equal(head.CheckpointLSN) {
			return Step{}, chainErrorf("ambiguous %s backup: %s and %s are different backups", head.Type, head.PhysicalLocation, r.PhysicalLocation)
		}
	}
	recs := make([]Record, len(group))
	copy(recs, group)
	sort.SliceStable(recs, func(i, j int) bool { return recordLess(recs[i], recs[j]) })
	return Step{Records: recs}, nil
}

func distinctLSNs(records []Record, by func(Record) LSN) []LSN {
	var out []LSN
	for _, r := range records {
		v := by(r)
		dup := false
		for _, o := range out {
			if o.Equal(v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func lastLSNs(records []Record) []LSN {
	out := make([]LSN, len(records))
	for i, r := range records {
		out[i] = r.LastLSN
	}
	return out
}
