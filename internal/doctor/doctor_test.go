package doctor

import (
	"strings"
	"testing"
	"time"

	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/transaction"
)

func TestDiagnose(t *testing.T) {
	recorded := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state State
		want  []FindingType
	}{
		{
			name: "consistent state",
			state: State{
				Engines:  []string{"10.26.0"},
				Prefixes: []*prefix.Prefix{{Name: "default", Engine: "10.26.0"}},
			},
		},
		{
			name: "prefix bound to a missing engine",
			state: State{
				Engines:  []string{"10.26.0"},
				Prefixes: []*prefix.Prefix{{Name: "old", Engine: "9.27.0"}},
			},
			want: []FindingType{FindingMissingEngine},
		},
		{
			name: "forced removal still affecting a prefix",
			state: State{
				Engines:  []string{"10.26.0"},
				Prefixes: []*prefix.Prefix{{Name: "old", Engine: "9.27.0"}, {Name: "moved", Engine: "10.26.0"}},
				Inconsistencies: []transaction.Inconsistency{
					{Kind: "engine-removed-in-use", Version: "9.27.0", Prefixes: []string{"old", "moved"}, Recorded: recorded},
				},
			},
			want: []FindingType{FindingMissingEngine, FindingForcedRemoval},
		},
		{
			name: "forced removal resolved by rebinding",
			state: State{
				Engines:  []string{"10.26.0"},
				Prefixes: []*prefix.Prefix{{Name: "old", Engine: "10.26.0"}},
				Inconsistencies: []transaction.Inconsistency{
					{Kind: "engine-removed-in-use", Version: "9.27.0", Prefixes: []string{"old"}, Recorded: recorded},
				},
			},
		},
		{
			name: "forced removal resolved by reinstalling",
			state: State{
				Engines:  []string{"9.27.0"},
				Prefixes: []*prefix.Prefix{{Name: "old", Engine: "9.27.0"}},
				Inconsistencies: []transaction.Inconsistency{
					{Kind: "engine-removed-in-use", Version: "9.27.0", Prefixes: []string{"old"}, Recorded: recorded},
				},
			},
		},
		{
			name: "interrupted operations",
			state: State{
				Journal: []JournalEntry{
					{Txn: &transaction.Txn{Operation: transaction.OperationRollback, Target: "default", Timestamp: recorded}},
					{Txn: &transaction.Txn{Operation: transaction.OperationInstall, Target: "10.26.0"}, Running: true},
				},
				BadJournal: []string{"/data/journal/txn-broken.json"},
			},
			want: []FindingType{FindingInterrupted, FindingBadJournal},
		},
		{
			name: "leftovers and corrupt engines",
			state: State{
				Corrupt:             []string{"8.0.0"},
				Orphans:             []string{"/data/prefixes/lost"},
				Leftovers:           []string{"/data/engines/.staging-x"},
				UnverifiedSnapshots: []string{"imported"},
			},
			want: []FindingType{FindingCorruptEngine, FindingOrphanPrefix, FindingLeftover, FindingUnverifiedSnapshot},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := Diagnose(tt.state)
			got := make(map[FindingType]int)
			for _, f := range findings {
				got[f.Type]++
			}
			if len(findings) != len(tt.want) {
				t.Fatalf("got %d findings %+v, want %v", len(findings), findings, tt.want)
			}
			for _, w := range tt.want {
				if got[w] == 0 {
					t.Errorf("missing %s finding", w)
				}
			}
		})
	}
}

func TestDiagnoseOrdersBySeverity(t *testing.T) {
	findings := Diagnose(State{
		Leftovers: []string{"/x/.staging-1"},
		Orphans:   []string{"/x/lost"},
		Corrupt:   []string{"8.0.0"},
	})
	for i := 1; i < len(findings); i++ {
		if findings[i].Severity > findings[i-1].Severity {
			t.Fatalf("findings not sorted by severity: %+v", findings)
		}
	}
	if !HasErrors(findings) {
		t.Error("HasErrors should be true")
	}
}

func TestOutstandingNarrowsPrefixes(t *testing.T) {
	out := Outstanding(
		[]transaction.Inconsistency{{Version: "9.27.0", Prefixes: []string{"a", "b", "gone"}}},
		[]*prefix.Prefix{{Name: "a", Engine: "9.27.0"}, {Name: "b", Engine: "10.26.0"}},
		map[string]bool{"10.26.0": true},
	)
	if len(out) != 1 || len(out[0].Prefixes) != 1 || out[0].Prefixes[0] != "a" {
		t.Errorf("Outstanding = %+v", out)
	}
}

func TestFormatReport(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		out := FormatReport(nil)
		if !strings.Contains(out, "No problems found") {
			t.Errorf("unexpected report:\n%s", out)
		}
	})

	t.Run("with findings", func(t *testing.T) {
		out := FormatReport([]Finding{
			{Type: FindingMissingEngine, Severity: SeverityError, Subject: "old", Detail: "bound to engine 9.27.0", Hint: "install 9.27.0"},
			{Type: FindingLeftover, Severity: SeverityInfo, Subject: "/x/.staging-1", Detail: "temporary data"},
		})
		for _, want := range []string{"[MISSING ENGINE]", "old", "→ install 9.27.0", "2 findings", "1 error, 1 info"} {
			if !strings.Contains(out, want) {
				t.Errorf("report missing %q:\n%s", want, out)
			}
		}
	})
}
