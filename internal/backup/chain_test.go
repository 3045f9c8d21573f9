package backup

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"
)

const (
	fullCheckpoint = "126000000943800037"
	fullFirst      = "126000000936100001"
	fullLast       = "126000000945500001"
	diffLast       = "126000000955200001"
	log1Last       = "126000000955500001"
	log2Last       = "126000000955800001"
)

func rec(t Type, first, last, checkpoint, dbBackup, location string) Record {
	return Record{
		DatabaseName:      "TestDb",
		Type:              t,
		FirstLSN:          MustParseLSN(first),
		LastLSN:           MustParseLSN(last),
		CheckpointLSN:     MustParseLSN(checkpoint),
		DatabaseBackupLSN: MustParseLSN(dbBackup),
		PhysicalLocation:  location,
		ServerName:        "ServerA",
		StartTime:         time.Date(2018, 10, 29, 0, 0, 0, 0, time.UTC),
	}
}

var (
	fullRec = rec(Full, fullFirst, fullLast, fullCheckpoint, "126000000882000037",
		`\\DFS\BACKUP\ServerA\testDb\Testdb_backup_2018_10_28_000227_200.full`)
	diffRec = rec(Differential, fullCheckpoint, diffLast, "126000000953600034", fullCheckpoint,
		`\\DFS\BACKUP\ServerA\testDb\Testdb_backup_2018_10_29_000339_780.diff`)
	log1Rec = rec(Log, diffLast, log1Last, "126000000953600034", "126000000882000037",
		`\\DFS\BACKUP\ServerA\testDb\Testdb_backup_2018_10_29_020007_343.trn`)
	log2Rec = rec(Log, log1Last, log2Last, "126000000953600034", fullCheckpoint,
		`\\DFS\BACKUP\ServerB\testDb\Testdb_backup_2018_10_29_030006_660.trn`)
)

// history is deliberately unordered.
func history() []Record {
	return []Record{log2Rec, fullRec, diffRec, log1Rec}
}

func assertChainError(t *testing.T, err error, reasonPrefix string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected chain error, got nil")
	}
	var ce *ChainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ChainError, got %T: %v", err, err)
	}
	if !strings.HasPrefix(ce.Reason, reasonPrefix) {
		t.Errorf("reason = %q, want prefix %q", ce.Reason, reasonPrefix)
	}
}

func TestBuildChainOrdered(t *testing.T) {
	chain, err := BuildChain(history())
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}

	want := []Record{fullRec, diffRec, log1Rec, log2Rec}
	if got := chain.Records(); !reflect.DeepEqual(got, want) {
		t.Errorf("Records() =\n%v\nwant\n%v", got, want)
	}
	if !chain.HasDifferential() {
		t.Error("expected differential step")
	}
	if len(chain.Logs) != 2 {
		t.Errorf("expected 2 log steps, got %d", len(chain.Logs))
	}
	if got := chain.LastLSN().String(); got != log2Last {
		t.Errorf("LastLSN() = %s, want %s", got, log2Last)
	}

	// log steps in strictly increasing FirstLSN order
	for i := 1; i < len(chain.Logs); i++ {
		if !chain.Logs[i-1].FirstLSN().Less(chain.Logs[i].FirstLSN()) {
			t.Errorf("log step %d does not follow step %d", i, i-1)
		}
	}
}

func TestBuildChainMissingLink(t *testing.T) {
	var records []Record
	for _, r := range history() {
		if r.FirstLSN.String() != diffLast {
			records = append(records, r)
		}
	}

	_, err := BuildChain(records)
	assertChainError(t, err, ReasonMissingLatest)
}

func TestBuildChainNoFullBackup(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
	}{
		{"empty", nil},
		{"logs only", []Record{log1Rec, log2Rec}},
		{"differential and logs", []Record{diffRec, log1Rec, log2Rec}},
		{"full with unusable location", []Record{
			rec(Full, fullFirst, fullLast, fullCheckpoint, "0", "Nul"),
			log1Rec,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildChain(tt.records)
			assertChainError(t, err, ReasonNoFullBackup)
		})
	}
}

func TestBuildChainFullOnly(t *testing.T) {
	chain, err := BuildChain([]Record{fullRec})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if chain.HasDifferential() || len(chain.Logs) != 0 {
		t.Errorf("expected full-only chain, got %v", chain.Records())
	}
	if got := chain.LastLSN().String(); got != fullLast {
		t.Errorf("LastLSN() = %s, want %s", got, fullLast)
	}
}

func TestBuildChainWithoutDifferential(t *testing.T) {
	// a log spanning the end of the full backup continues it
	log0 := rec(Log, "126000000945000001", diffLast, "126000000953600034", fullCheckpoint, `\\DFS\BACKUP\ServerA\testDb\log0.trn`)

	chain, err := BuildChain([]Record{log2Rec, log1Rec, log0, fullRec})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	want := []Record{fullRec, log0, log1Rec, log2Rec}
	if got := chain.Records(); !reflect.DeepEqual(got, want) {
		t.Errorf("Records() =\n%v\nwant\n%v", got, want)
	}

	// with the differential present the same log is already covered
	chain, err = BuildChain([]Record{log2Rec, log1Rec, log0, fullRec, diffRec})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	want = []Record{fullRec, diffRec, log1Rec, log2Rec}
	if got := chain.Records(); !reflect.DeepEqual(got, want) {
		t.Errorf("Records() =\n%v\nwant\n%v", got, want)
	}
}

func TestBuildChainKeepsLatestDifferential(t *testing.T) {
	olderDiff := rec(Differential, fullCheckpoint, "126000000950000001", "126000000949000001", fullCheckpoint, `\\DFS\older.diff`)
	otherFullDiff := rec(Differential, "126000000880000001", "126000000954000001", "126000000953000001", "126000000882000037", `\\DFS\other.diff`)

	records := append(history(), olderDiff, otherFullDiff)
	chain, err := BuildChain(records)
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if !chain.HasDifferential() {
		t.Fatal("expected differential step")
	}
	if got := chain.Differential.Locations(); !reflect.DeepEqual(got, []string{diffRec.PhysicalLocation}) {
		t.Errorf("differential = %v, want %s", got, diffRec.PhysicalLocation)
	}
}

func TestBuildChainPreservesStripes(t *testing.T) {
	fullStripe := fullRec
	fullStripe.PhysicalLocation = `\\DFS\BACKUP\ServerA\testDb\Testdb_backup_2018_10_28_000227_200_2.full`
	logStripe := log2Rec
	logStripe.PhysicalLocation = `https://account.blob.core.windows.net/backups/Testdb_2.trn`

	chain, err := BuildChain(append(history(), logStripe, fullStripe))
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}

	if n := len(chain.Full.Records); n != 2 {
		t.Errorf("full step has %d stripes, want 2", n)
	}
	last := chain.Logs[len(chain.Logs)-1]
	if n := len(last.Records); n != 2 {
		t.Errorf("last log step has %d stripes, want 2", n)
	}
	if got := len(chain.Records()); got != 6 {
		t.Errorf("expected 6 records, got %d", got)
	}
}

func TestBuildChainCollapsesDuplicates(t *testing.T) {
	repeat := log1Rec
	repeat.PhysicalLocation = strings.ToUpper(log1Rec.PhysicalLocation)
	repeat.ServerName = "ServerB"

	chain, err := BuildChain(append(history(), log1Rec, repeat, fullRec))
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if got := len(chain.Records()); got != 4 {
		t.Errorf("expected 4 records after collapsing repeats, got %d: %v", got, chain.Records())
	}
}

func TestBuildChainKeepsCaseDistinctLinuxStripes(t *testing.T) {
	upper := fullRec
	upper.PhysicalLocation = "/var/opt/mssql/backup/db_Stripe.bak"
	lower := fullRec
	lower.PhysicalLocation = "/var/opt/mssql/backup/db_stripe.bak"

	chain, err := BuildChain([]Record{upper, lower})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if n := len(chain.Full.Records); n != 2 {
		t.Errorf("full step has %d stripes, want 2: %v", n, chain.Full.Records)
	}
	if SameFile(upper, lower) {
		t.Error("Linux paths differing in case must be different files")
	}

	drive := fullRec
	drive.PhysicalLocation = `D:\Backup\db.bak`
	driveLower := drive
	driveLower.PhysicalLocation = strings.ToLower(drive.PhysicalLocation)
	if !SameFile(drive, driveLower) {
		t.Error("drive paths differing in case must be the same file")
	}
}

func TestBuildChainInputOrderIndependent(t *testing.T) {
	fullStripe := fullRec
	fullStripe.PhysicalLocation = `\\DFS\stripe2.full`
	repeat := log1Rec
	repeat.PhysicalLocation = strings.ToLower(log1Rec.PhysicalLocation)
	base := append(history(), fullStripe, repeat)

	want, err := BuildChain(base)
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}

	reversed := make([]Record, len(base))
	for i, r := range base {
		reversed[len(base)-1-i] = r
	}
	got, err := BuildChain(reversed)
	if err != nil {
		t.Fatalf("BuildChain(reversed): %v", err)
	}
	if !reflect.DeepEqual(got.Records(), want.Records()) {
		t.Errorf("reversed input changed output:\n%v\nwant\n%v", got.Records(), want.Records())
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]Record, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := BuildChain(shuffled)
		if err != nil {
			t.Fatalf("BuildChain(shuffled): %v", err)
		}
		if !reflect.DeepEqual(got.Records(), want.Records()) {
			t.Fatalf("shuffle %d changed output:\n%v\nwant\n%v", i, got.Records(), want.Records())
		}
	}
}

func TestBuildChainIgnoresUnusableLocations(t *testing.T) {
	// third-party tools write rows with virtual device names
	newer := rec(Full, "126000000955000001", "126000000955100001", "126000000955000001", "0", "{7F1C3A8E-0000-4B7A-9F3E-1D2C3B4A5F60}")

	chain, err := BuildChain(append(history(), newer))
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if got := chain.Full.CheckpointLSN().String(); got != fullCheckpoint {
		t.Errorf("full checkpoint = %s, want %s", got, fullCheckpoint)
	}
}

func TestBuildChainAmbiguous(t *testing.T) {
	t.Run("two logs continue the frontier", func(t *testing.T) {
		fork := rec(Log, diffLast, "126000000955400001", "126000000953600034", fullCheckpoint, `\\DFS\fork.trn`)
		_, err := BuildChain(append(history(), fork))
		assertChainError(t, err, "ambiguous log backups")
	})

	t.Run("two fulls at the same checkpoint", func(t *testing.T) {
		twin := rec(Full, fullFirst, "126000000945600001", fullCheckpoint, "126000000882000037", `\\DFS\twin.full`)
		_, err := BuildChain(append(history(), twin))
		assertChainError(t, err, "ambiguous full backup")
	})

	t.Run("two differentials at the same last lsn", func(t *testing.T) {
		twin := rec(Differential, "126000000944000001", diffLast, "126000000953600034", fullCheckpoint, `\\DFS\twin.diff`)
		_, err := BuildChain(append(history(), twin))
		assertChainError(t, err, "ambiguous differential backup")
	})
}

func TestChainAfter(t *testing.T) {
	chain, err := BuildChain(history())
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}

	tests := []struct {
		name      string
		watermark string
		want      []Record
	}{
		{"zero keeps everything", "0", []Record{fullRec, diffRec, log1Rec, log2Rec}},
		{"after full", fullLast, []Record{diffRec, log1Rec, log2Rec}},
		{"after first log", log1Last, []Record{log2Rec}},
		{"fully applied", log2Last, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chain.After(MustParseLSN(tt.watermark))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("After(%s) = %v, want %v", tt.watermark, got, tt.want)
			}
		})
	}
}

func TestDedupKeepsStripes(t *testing.T) {
	a := log1Rec
	b := log1Rec
	b.PhysicalLocation = `\\DFS\other.trn`
	c := log1Rec
	c.PhysicalLocation = strings.ToUpper(a.PhysicalLocation)

	got := Dedup([]Record{c, a, b})
	if len(got) != 2 {
		t.Fatalf("Dedup returned %d records, want 2: %v", len(got), got)
	}
	if !SameBackup(got[0], got[1]) {
		t.Error("expected the survivors to be stripes of the same backup")
	}
	if SameFile(got[0], got[1]) {
		t.Error("expected survivors in different files")
	}
}

func TestGroupSteps(t *testing.T) {
	fullStripe := fullRec
	fullStripe.PhysicalLocation = `\\DFS\BACKUP\ServerA\testDb\Testdb_backup_2.full`
	chain, err := BuildChain(append(history(), fullStripe))
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	steps := GroupSteps(chain.Records())
	if len(steps) != len(chain.Steps()) {
		t.Fatalf("GroupSteps returned %d steps, want %d", len(steps), len(chain.Steps()))
	}
	for i, s := range steps {
		if !s.LastLSN().Equal(chain.Steps()[i].LastLSN()) || len(s.Records) != len(chain.Steps()[i].Records) {
			t.Errorf("step %d = %v, want %v", i, s.Locations(), chain.Steps()[i].Locations())
		}
	}
	if len(GroupSteps(nil)) != 0 {
		t.Error("GroupSteps(nil) should be empty")
	}
}
