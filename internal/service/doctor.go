package service

import (
	"context"
	"errors"

	"github.com/elm-linux/elm/internal/doctor"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/transaction"
)

// Doctor inspects the data directory and reports problems. It changes
// nothing.
func (s *Service) Doctor(ctx context.Context) ([]doctor.Finding, error) {
	state, err := s.gather(ctx)
	if err != nil {
		return nil, err
	}
	return doctor.Diagnose(*state), nil
}

func (s *Service) gather(ctx context.Context) (*doctor.State, error) {
	var state doctor.State
	var err error

	for _, e := range s.Engines.List() {
		state.Engines = append(state.Engines, e.Version)
	}
	state.Corrupt = s.Engines.Corrupt()
	state.Prefixes = s.Prefixes.List()

	if state.Inconsistencies, err = transaction.Inconsistencies(s.Paths.Journal); err != nil {
		return nil, err
	}
	if state.Orphans, err = s.Prefixes.Orphans(); err != nil {
		return nil, err
	}

	gc, err := s.Engines.GC(ctx, engine.GCOptions{Keep: len(state.Engines) + 1, DryRun: true})
	if err != nil {
		return nil, err
	}
	for _, rm := range gc.Leftovers {
		if rm.Version != "" {
			continue // reported as corrupt
		}
		state.Leftovers = append(state.Leftovers, rm.Path)
	}
	others, err := s.leftovers(ctx)
	if err != nil {
		return nil, err
	}
	state.Leftovers = append(state.Leftovers, others...)

	txns, bad, err := transaction.List(s.Paths.Journal)
	if err != nil {
		return nil, err
	}
	state.BadJournal = bad
	for _, txn := range txns {
		running, err := s.running(ctx, txn)
		if err != nil {
			return nil, err
		}
		state.Journal = append(state.Journal, doctor.JournalEntry{Txn: txn, Running: running})
	}

	snaps, err := s.Snapshots.List("")
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.SHA256 == "" {
			state.UnverifiedSnapshots = append(state.UnverifiedSnapshots, snap.Name)
		}
	}
	return &state, nil
}

// running reports whether the operation recorded by txn holds its lock in
// some process.
func (s *Service) running(ctx context.Context, txn *transaction.Txn) (bool, error) {
	kind := prefix.LockKind
	if txn.Operation == transaction.OperationInstall {
		kind = engine.LockKind
	}
	lock, err := transaction.AcquireLock(ctx, s.Paths.Locks, kind, txn.Target, "probe")
	if errors.Is(err, errs.ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	lock.Release()
	return false, nil
}
