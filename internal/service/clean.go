package service

import (
	"context"
	"os"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/doctor"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/transaction"
)

// CleanRequest controls Clean.
type CleanRequest struct {
	Keep      int // newest engine versions always kept; 0 means the configured value
	DryRun    bool
	Downloads bool // also clear completed downloads
}

// CleanReport lists what Clean removed, or would remove in a dry run.
type CleanReport struct {
	GC *engine.GCReport
	// Leftovers are staging, trash and temporary trees of prefixes and
	// snapshots.
	Leftovers []engine.Removal
	// Resolved counts forced-removal records that no longer apply.
	Resolved int
	DryRun   bool
}

// Freed returns the bytes removed.
func (r *CleanReport) Freed() int64 {
	n := r.GC.Freed()
	for _, rm := range r.Leftovers {
		n += rm.Bytes
	}
	return n
}

// Clean garbage-collects unused engines and removes whatever interrupted
// operations left behind. Nothing owned by a running operation is touched.
func (s *Service) Clean(ctx context.Context, req CleanRequest) (*CleanReport, error) {
	keep := req.Keep
	if keep <= 0 {
		keep = s.cfg.Engine.Keep
	}

	// 1. Engines, engine staging trees and downloads
	gc, err := s.Engines.GC(ctx, engine.GCOptions{Keep: keep, DryRun: req.DryRun, Downloads: req.Downloads})
	if err != nil {
		return nil, err
	}
	report := &CleanReport{GC: gc, DryRun: req.DryRun}

	// 2. Prefix and snapshot leftovers
	paths, err := s.leftovers(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range paths {
		size, _ := archive.TreeSize(p)
		report.Leftovers = append(report.Leftovers, engine.Removal{Path: p, Bytes: size})
	}
	if req.DryRun {
		report.Resolved = len(s.resolvable())
		return report, nil
	}
	for _, rm := range report.Leftovers {
		if err := os.RemoveAll(rm.Path); err != nil {
			return report, errs.IO("remove", rm.Path, err)
		}
		s.logger.Debug("removed leftover", "path", rm.Path)
	}

	// 3. Forget forced removals nobody is affected by anymore
	stale := s.resolvable()
	if len(stale) > 0 {
		err := transaction.ResolveInconsistencies(s.Paths.Journal, func(inc transaction.Inconsistency) bool {
			return !stale[inc.Kind+"/"+inc.Version]
		})
		if err != nil {
			return report, err
		}
		report.Resolved = len(stale)
	}
	return report, nil
}

// leftovers returns the prefix and snapshot paths safe to remove.
func (s *Service) leftovers(ctx context.Context) ([]string, error) {
	stale, err := s.Prefixes.Stale(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := s.Snapshots.Leftovers(ctx)
	if err != nil {
		return nil, err
	}
	return append(stale, snaps...), nil
}

// resolvable returns the recorded inconsistencies, keyed by kind and
// version, that no longer affect any prefix.
func (s *Service) resolvable() map[string]bool {
	recorded, err := transaction.Inconsistencies(s.Paths.Journal)
	if err != nil {
		s.logger.Warn("read inconsistencies", "error", err)
		return nil
	}
	installed := make(map[string]bool)
	for _, e := range s.Engines.List() {
		installed[e.Version] = true
	}
	outstanding := make(map[string]bool)
	for _, inc := range doctor.Outstanding(recorded, s.Prefixes.List(), installed) {
		outstanding[inc.Kind+"/"+inc.Version] = true
	}
	out := make(map[string]bool)
	for _, inc := range recorded {
		key := inc.Kind + "/" + inc.Version
		if !outstanding[key] {
			out[key] = true
		}
	}
	return out
}
