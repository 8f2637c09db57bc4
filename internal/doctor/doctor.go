package doctor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/transaction"
)

// Diagnose runs every check against state and returns the findings,
// errors first.
//
// The checks:
//  1. Prefixes bound to an engine that is not installed
//  2. Engines removed with force while still in use, unless every prefix
//     involved has since been rebound or deleted
//  3. Engine directories that are not complete installs
//  4. Prefix roots without metadata
//  5. Interrupted operations and unreadable journal records
//  6. Leftover staging and temporary trees
//  7. Snapshots that cannot be verified before a rollback
func Diagnose(state State) []Finding {
	var findings []Finding

	installed := make(map[string]bool, len(state.Engines))
	for _, v := range state.Engines {
		installed[v] = true
	}

	// 1. Missing engines
	for _, p := range state.Prefixes {
		if installed[p.Engine] {
			continue
		}
		findings = append(findings, Finding{
			Type:     FindingMissingEngine,
			Severity: SeverityError,
			Subject:  p.Name,
			Detail:   fmt.Sprintf("bound to engine %s, which is not installed", p.Engine),
			Hint:     fmt.Sprintf("install %s or run 'elm prefix bind %s <version>'", p.Engine, p.Name),
		})
	}

	// 2. Forced removals
	for _, inc := range Outstanding(state.Inconsistencies, state.Prefixes, installed) {
		findings = append(findings, Finding{
			Type:     FindingForcedRemoval,
			Severity: SeverityWarning,
			Subject:  inc.Version,
			Detail: fmt.Sprintf("removed with force on %s while used by %s",
				inc.Recorded.Format("2006-01-02 15:04"), strings.Join(inc.Prefixes, ", ")),
			Hint: "rebind or delete the listed prefixes",
		})
	}

	// 3. Corrupt engines
	for _, v := range state.Corrupt {
		findings = append(findings, Finding{
			Type:     FindingCorruptEngine,
			Severity: SeverityError,
			Subject:  v,
			Detail:   "engine directory is not a complete install",
			Hint:     fmt.Sprintf("run 'elm engine remove %s' and install it again", v),
		})
	}

	// 4. Orphans
	for _, path := range state.Orphans {
		findings = append(findings, Finding{
			Type:     FindingOrphanPrefix,
			Severity: SeverityWarning,
			Subject:  path,
			Detail:   "prefix directory has no metadata",
			Hint:     "move it away or delete it",
		})
	}

	// 5. Journal
	for _, e := range state.Journal {
		if e.Running {
			continue
		}
		detail := fmt.Sprintf("%s of %s started %s did not finish", e.Txn.Operation, e.Txn.Target,
			e.Txn.Timestamp.Format("2006-01-02 15:04"))
		if e.Txn.LastError != "" {
			detail += ": " + e.Txn.LastError
		}
		findings = append(findings, Finding{
			Type:     FindingInterrupted,
			Severity: SeverityError,
			Subject:  e.Txn.Target,
			Detail:   detail,
			Hint:     "run any elm command to retry recovery; check permissions if it persists",
		})
	}
	for _, path := range state.BadJournal {
		findings = append(findings, Finding{
			Type:     FindingBadJournal,
			Severity: SeverityWarning,
			Subject:  path,
			Detail:   "journal record cannot be read",
			Hint:     "inspect and delete the file",
		})
	}

	// 6. Leftovers
	for _, path := range state.Leftovers {
		findings = append(findings, Finding{
			Type:     FindingLeftover,
			Severity: SeverityInfo,
			Subject:  path,
			Detail:   "temporary data from an interrupted operation",
			Hint:     "run 'elm clean'",
		})
	}

	// 7. Snapshots
	for _, name := range state.UnverifiedSnapshots {
		findings = append(findings, Finding{
			Type:     FindingUnverifiedSnapshot,
			Severity: SeverityInfo,
			Subject:  name,
			Detail:   "snapshot has no recorded digest and is restored unverified",
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity > findings[j].Severity
	})
	return findings
}

// Outstanding returns the recorded forced removals that still matter: the
// version is still missing and at least one listed prefix is still bound
// to it. The prefixes in each returned entry are narrowed to those.
func Outstanding(list []transaction.Inconsistency, prefixes []*prefix.Prefix, installed map[string]bool) []transaction.Inconsistency {
	bound := make(map[string]string, len(prefixes))
	for _, p := range prefixes {
		bound[p.Name] = p.Engine
	}
	var out []transaction.Inconsistency
	for _, inc := range list {
		if installed[inc.Version] {
			continue
		}
		var still []string
		for _, name := range inc.Prefixes {
			if bound[name] == inc.Version {
				still = append(still, name)
			}
		}
		if len(still) == 0 {
			continue
		}
		inc.Prefixes = still
		out = append(out, inc)
	}
	return out
}
