package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/download"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/transaction"
)

// Remove deletes an installed version. It fails with an InUseError while
// prefixes are bound to the version unless force is set; a forced removal
// is recorded in the journal for doctor.
func (s *Store) Remove(ctx context.Context, version string, force bool) error {
	v, err := canonical(version)
	if err != nil {
		return errs.NotFound(errs.KindEngine, version)
	}
	if s.Status(v) == StatusAbsent {
		return errs.NotFound(errs.KindEngine, version)
	}

	lock, err := transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, v, "remove")
	if err != nil {
		return fmt.Errorf("remove engine %s: %w", v, err)
	}
	defer lock.Release()

	refs, err := s.references(ctx)
	if err != nil {
		return fmt.Errorf("remove engine %s: %w", v, err)
	}
	if users := refs[v]; len(users) > 0 {
		if !force {
			return &errs.InUseError{Version: v, Prefixes: users}
		}
		entry := transaction.Inconsistency{
			Kind:     InconsistencyRemovedInUse,
			Version:  v,
			Prefixes: users,
			Recorded: s.cfg.Now().UTC(),
		}
		if err := transaction.RecordInconsistency(s.cfg.Journal, entry); err != nil {
			return fmt.Errorf("remove engine %s: %w", v, err)
		}
		s.logger.Warn("removing engine still bound to prefixes", "version", v, "prefixes", users)
	}

	if err := s.discard(s.path(v)); err != nil {
		return errs.IO("remove engine", s.path(v), err)
	}
	s.drop(v)
	s.logger.Info("engine removed", "version", v)
	return nil
}

// GC removes installed versions beyond the newest opts.Keep, except those
// still referenced by a prefix, together with staging trees and partial
// downloads left by interrupted installs. With opts.Downloads the whole
// download cache is cleared.
func (s *Store) GC(ctx context.Context, opts GCOptions) (*GCReport, error) {
	if opts.Keep < 1 {
		opts.Keep = 1
	}
	report := &GCReport{DryRun: opts.DryRun}

	// Referenced versions must be known before anything is removed
	refs, err := s.references(ctx)
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		if _, err := s.Recover(ctx); err != nil {
			return nil, err
		}
	}
	active, err := s.activeArtifacts(ctx)
	if err != nil {
		return nil, err
	}

	for i, e := range s.List() {
		switch {
		case i < opts.Keep:
			report.Kept = append(report.Kept, e.Version)
		case len(refs[e.Version]) > 0:
			report.Protected = append(report.Protected, e.Version)
		default:
			size, _ := archive.TreeSize(e.Path)
			report.Engines = append(report.Engines, Removal{Path: e.Path, Version: e.Version, Bytes: size})
		}
	}

	report.Leftovers, report.Downloads, err = s.leftovers(ctx, active, opts.Downloads)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return report, nil
	}

	removed := report.Engines[:0]
	for _, rm := range report.Engines {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.removeUnused(ctx, rm.Version); err != nil {
			s.logger.Warn("skipping engine", "version", rm.Version, "error", err)
			continue
		}
		removed = append(removed, rm)
	}
	report.Engines = removed

	leftovers := report.Leftovers[:0]
	for _, rm := range report.Leftovers {
		if rm.Version != "" {
			if err := s.removeCorrupt(ctx, rm.Version); err != nil {
				s.logger.Warn("skipping incomplete engine", "version", rm.Version, "error", err)
				continue
			}
		} else if err := os.RemoveAll(rm.Path); err != nil {
			return report, errs.IO("remove", rm.Path, err)
		}
		leftovers = append(leftovers, rm)
	}
	report.Leftovers = leftovers

	for _, rm := range report.Downloads {
		if err := os.RemoveAll(rm.Path); err != nil {
			return report, errs.IO("remove", rm.Path, err)
		}
	}
	s.pruneDownloads()
	return report, nil
}

// removeCorrupt removes a version directory that is not a complete
// install, unless an install published it in the meantime.
func (s *Store) removeCorrupt(ctx context.Context, version string) error {
	lock, err := transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, version, "clean")
	if err != nil {
		return err
	}
	defer lock.Release()

	if e, err := s.load(version); err == nil {
		s.put(e)
		return fmt.Errorf("engine %s was installed meanwhile", version)
	}
	if err := s.discard(s.path(version)); err != nil {
		return errs.IO("remove engine", s.path(version), err)
	}
	s.drop(version)
	s.logger.Info("incomplete engine removed", "version", version)
	return nil
}

// pruneDownloads removes per-version cache directories left empty.
func (s *Store) pruneDownloads() {
	entries, err := os.ReadDir(s.cfg.Downloads)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			// Fails harmlessly while the directory still holds files
			os.Remove(filepath.Join(s.cfg.Downloads, entry.Name()))
		}
	}
}

// removeUnused removes a version under its lock after checking again that
// no prefix was bound to it in the meantime.
func (s *Store) removeUnused(ctx context.Context, version string) error {
	lock, err := transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, version, "clean")
	if err != nil {
		return err
	}
	defer lock.Release()

	refs, err := s.references(ctx)
	if err != nil {
		return err
	}
	if users := refs[version]; len(users) > 0 {
		return &errs.InUseError{Version: version, Prefixes: users}
	}
	if err := s.discard(s.path(version)); err != nil {
		return errs.IO("remove engine", s.path(version), err)
	}
	s.drop(version)
	s.logger.Info("engine removed", "version", version)
	return nil
}

// leftovers lists staging and trash trees and incomplete version
// directories under the engine root, and files in the download cache that
// no running install owns. Complete downloads are listed separately and
// only when all is set.
func (s *Store) leftovers(ctx context.Context, active map[string]bool, all bool) (trees, downloads []Removal, err error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, nil, errs.IO("read engine directory", s.cfg.Root, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, stagingPrefix) && !strings.HasPrefix(name, trashPrefix) {
			continue
		}
		p := filepath.Join(s.cfg.Root, name)
		if active[p] {
			continue
		}
		size, _ := archive.TreeSize(p)
		trees = append(trees, Removal{Path: p, Bytes: size})
	}

	for _, v := range s.Corrupt() {
		p := s.path(v)
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		running, err := s.running(ctx, v)
		if err != nil {
			return nil, nil, err
		}
		if running {
			continue
		}
		size, _ := archive.TreeSize(p)
		trees = append(trees, Removal{Path: p, Version: v, Bytes: size})
	}

	err = filepath.WalkDir(s.cfg.Downloads, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.cfg.Downloads && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		partial := strings.HasSuffix(p, download.PartSuffix)
		if (!partial && !all) || active[p] || active[strings.TrimSuffix(p, download.PartSuffix)] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rm := Removal{Path: p, Bytes: info.Size()}
		if partial {
			trees = append(trees, rm)
		} else {
			downloads = append(downloads, rm)
		}
		return nil
	})
	if err != nil {
		return nil, nil, errs.IO("read download cache", s.cfg.Downloads, err)
	}
	return trees, downloads, nil
}

// activeArtifacts returns the staging trees and downloads owned by installs
// that are still running in some process.
func (s *Store) activeArtifacts(ctx context.Context) (map[string]bool, error) {
	txns, _, err := transaction.List(s.cfg.Journal)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool)
	for _, txn := range txns {
		if txn.Operation != transaction.OperationInstall {
			continue
		}
		running, err := s.running(ctx, txn.Target)
		if err != nil {
			return nil, err
		}
		if running {
			active[txn.Staging] = true
			active[txn.Download] = true
		}
	}
	return active, nil
}

// running reports whether another process holds the lock for version.
func (s *Store) running(ctx context.Context, version string) (bool, error) {
	lock, err := transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, version, "probe")
	if errors.Is(err, errs.ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	lock.Release()
	return false, nil
}

// Recover cleans up installs interrupted by a crash: their staging trees
// are removed and their journal records dropped. Installs still running in
// another process are left alone. It returns the versions cleaned up.
func (s *Store) Recover(ctx context.Context) ([]string, error) {
	txns, _, err := transaction.List(s.cfg.Journal)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, txn := range txns {
		if txn.Operation != transaction.OperationInstall {
			continue
		}
		lock, err := transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, txn.Target, "recover")
		if errors.Is(err, errs.ErrLocked) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		if txn.Staging != "" {
			if err := os.RemoveAll(txn.Staging); err != nil {
				lock.Release()
				return recovered, errs.IO("remove staging tree", txn.Staging, err)
			}
		}
		err = txn.Remove(s.cfg.Journal)
		lock.Release()
		if err != nil {
			return recovered, err
		}
		s.logger.Info("cleaned up interrupted install", "version", txn.Target, "state", string(txn.State))
		recovered = append(recovered, txn.Target)
	}
	return recovered, nil
}
