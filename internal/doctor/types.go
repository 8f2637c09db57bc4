// Package doctor checks the consistency of engines, prefixes, snapshots
// and the journal. It only reads state; fixing is left to clean and to the
// recovery that runs on every start.
package doctor

import (
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/transaction"
)

// FindingType classifies a problem.
type FindingType int

const (
	FindingMissingEngine FindingType = iota
	FindingForcedRemoval
	FindingCorruptEngine
	FindingOrphanPrefix
	FindingLeftover
	FindingInterrupted
	FindingBadJournal
	FindingUnverifiedSnapshot
)

// String returns the report label of the finding type
func (f FindingType) String() string {
	switch f {
	case FindingMissingEngine:
		return "MISSING ENGINE"
	case FindingForcedRemoval:
		return "FORCED REMOVAL"
	case FindingCorruptEngine:
		return "CORRUPT ENGINE"
	case FindingOrphanPrefix:
		return "ORPHAN PREFIX"
	case FindingLeftover:
		return "LEFTOVER"
	case FindingInterrupted:
		return "INTERRUPTED"
	case FindingBadJournal:
		return "BAD JOURNAL RECORD"
	case FindingUnverifiedSnapshot:
		return "UNVERIFIED SNAPSHOT"
	default:
		return "UNKNOWN"
	}
}

// Severity of a finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Finding is one detected problem.
type Finding struct {
	Type     FindingType
	Severity Severity
	Subject  string // prefix name, engine version, snapshot name or path
	Detail   string
	Hint     string
}

// JournalEntry is a journal record and whether its operation is still
// running in some process.
type JournalEntry struct {
	Txn     *transaction.Txn
	Running bool
}

// State is everything the checks look at, gathered from the stores.
type State struct {
	Engines  []string // installed versions
	Corrupt  []string // engine directories without valid metadata
	Prefixes []*prefix.Prefix

	Inconsistencies []transaction.Inconsistency
	Orphans         []string // prefix roots without metadata
	Leftovers       []string // staging, trash, aside and temporary paths
	Journal         []JournalEntry
	BadJournal      []string
	// UnverifiedSnapshots have no recorded digest.
	UnverifiedSnapshots []string
}
