package service

import (
	"context"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/doctor"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/snapshot"
	"github.com/elm-linux/elm/internal/transaction"
)

// EngineStatus is an installed engine and the prefixes bound to it.
type EngineStatus struct {
	Engine   *engine.Engine
	Current  bool
	Prefixes []string
	Size     int64 // on disk, zero unless sizes were requested
}

// PrefixStatus is a prefix with the state of its binding.
type PrefixStatus struct {
	Prefix          *prefix.Prefix
	Default         bool
	EngineInstalled bool
	Snapshots       int
	Size            int64
}

// Status is an overview of the data directory.
type Status struct {
	Root      string
	Current   string // highest installed version, empty when none
	Engines   []EngineStatus
	Prefixes  []PrefixStatus
	Snapshots []*snapshot.Snapshot
	// Inconsistencies are forced removals that still leave prefixes broken.
	Inconsistencies []transaction.Inconsistency
}

// StatusRequest selects the optional, slower parts of Status.
type StatusRequest struct {
	Sizes bool
}

// Status gathers the installed engines, prefixes and snapshots.
func (s *Service) Status(ctx context.Context, req StatusRequest) (*Status, error) {
	st := &Status{Root: s.Paths.Root}

	refs, err := s.Prefixes.EngineReferences(ctx)
	if err != nil {
		return nil, err
	}
	if cur, err := s.Engines.Current(); err == nil {
		st.Current = cur.Version
	}

	installed := make(map[string]bool)
	for _, e := range s.Engines.List() {
		installed[e.Version] = true
		es := EngineStatus{Engine: e, Current: e.Version == st.Current, Prefixes: refs[e.Version]}
		if req.Sizes {
			es.Size, _ = archive.TreeSize(e.Path)
		}
		st.Engines = append(st.Engines, es)
	}

	st.Snapshots, err = s.Snapshots.List("")
	if err != nil {
		return nil, err
	}
	perPrefix := make(map[string]int)
	for _, snap := range st.Snapshots {
		perPrefix[snap.Prefix]++
	}

	defaultName, err := s.Prefixes.DefaultName()
	if err != nil {
		return nil, err
	}
	prefixes := s.Prefixes.List()
	for _, p := range prefixes {
		ps := PrefixStatus{
			Prefix:          p,
			Default:         p.Name == defaultName,
			EngineInstalled: installed[p.Engine],
			Snapshots:       perPrefix[p.Name],
		}
		if req.Sizes {
			ps.Size, _ = archive.TreeSize(p.Path)
		}
		st.Prefixes = append(st.Prefixes, ps)
	}

	recorded, err := transaction.Inconsistencies(s.Paths.Journal)
	if err != nil {
		return nil, err
	}
	st.Inconsistencies = doctor.Outstanding(recorded, prefixes, installed)
	return st, nil
}
