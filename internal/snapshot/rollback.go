package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/transaction"
)

// AsidePrefix names prefix roots moved out of the way during a rollback.
const AsidePrefix = ".aside-"

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Snapshot string
	Prefix   string
	Verified bool // the archive digest matched its record
}

// Resolve returns the snapshot for a name or an archive path.
func (m *Manager) Resolve(ref string) (*Snapshot, error) {
	if !strings.ContainsRune(ref, filepath.Separator) && !strings.HasSuffix(ref, archive.Extension) {
		return m.Get(ref)
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return nil, errs.NotFound(errs.KindSnapshot, ref)
	}
	if filepath.Dir(abs) == filepath.Clean(m.cfg.Root) {
		return m.Get(strings.TrimSuffix(filepath.Base(abs), archive.Extension))
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound(errs.KindSnapshot, ref)
		}
		return nil, errs.IO("stat snapshot", abs, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("snapshot %s is not a regular file", abs)
	}
	return &Snapshot{Name: filepath.Base(abs), Created: info.ModTime().UTC(), Size: info.Size(), Path: abs}, nil
}

// Verify checks a snapshot archive against the digest in its record. It
// reports false without error when there is no recorded digest.
func (m *Manager) Verify(s *Snapshot) (bool, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return false, errs.IO("open snapshot", s.Path, err)
	}
	defer f.Close()
	if s.SHA256 == "" {
		return false, nil
	}
	if _, err := integrity.Verify(f, s.Path, s.SHA256); err != nil {
		return false, err
	}
	return true, nil
}

// Rollback replaces the root of prefixName with the contents of a snapshot,
// given by name or archive path.
//
// The current root is renamed aside, the archive is extracted into a fresh
// directory at the original path, and the aside copy is deleted only once
// extraction has succeeded. If extraction fails the partial tree is removed
// and the aside copy is renamed back, so the prefix is never left worse
// than before. The swap is journaled; Recover finishes or undoes it after
// a crash.
func (m *Manager) Rollback(ctx context.Context, ref, prefixName string) (*RollbackResult, error) {
	p, err := m.cfg.Prefixes.Info(prefixName)
	if err != nil {
		return nil, err
	}
	snap, err := m.Resolve(ref)
	if err != nil {
		return nil, err
	}

	lock, err := m.cfg.Prefixes.Lock(ctx, prefixName, "rollback")
	if err != nil {
		return nil, fmt.Errorf("rollback prefix %s: %w", prefixName, err)
	}
	defer lock.Release()

	// 1. Check the archive before touching the prefix
	verified, err := m.Verify(snap)
	if err != nil {
		return nil, fmt.Errorf("rollback prefix %s to %s: %w", prefixName, snap.Name, err)
	}
	if !verified {
		m.logger.Warn("snapshot has no recorded digest, restoring unverified", "snapshot", snap.Name)
	}

	// 2. Journal, then move the current root aside
	txn := transaction.New(transaction.OperationRollback, prefixName, p.Path)
	txn.Aside = filepath.Join(m.cfg.Prefixes.Root(), AsidePrefix+prefixName+"-"+uuid.NewString())
	if err := txn.Advance(m.cfg.Journal, transaction.StateInProgress, nil); err != nil {
		return nil, fmt.Errorf("rollback prefix %s: %w", prefixName, err)
	}
	if err := os.Rename(p.Path, txn.Aside); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			txn.Remove(m.cfg.Journal)
			return nil, fmt.Errorf("rollback prefix %s: %w", prefixName, errs.IO("move prefix aside", p.Path, err))
		}
		// Nothing to preserve
		txn.Aside = ""
		if err := txn.Save(m.cfg.Journal); err != nil {
			return nil, fmt.Errorf("rollback prefix %s: %w", prefixName, err)
		}
	}
	if err := transaction.SyncDir(m.cfg.Prefixes.Root()); err != nil {
		m.logger.Warn("sync prefix directory", "error", err)
	}

	// 3. Extract into the original path
	err = m.cfg.Codec.Extract(ctx, snap.Path, p.Path)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if rerr := m.restore(txn); rerr != nil {
			m.logger.Error("prefix could not be restored; it will be retried on next start",
				"prefix", prefixName, "aside", txn.Aside, "error", rerr)
			txn.Advance(m.cfg.Journal, transaction.StateFailed, err)
			return nil, fmt.Errorf("rollback prefix %s to %s: %w (restore failed: %v)", prefixName, snap.Name, err, rerr)
		}
		txn.Remove(m.cfg.Journal)
		return nil, fmt.Errorf("rollback prefix %s to %s: %w", prefixName, snap.Name, err)
	}

	// 4. Commit, then drop the old tree
	if err := txn.Advance(m.cfg.Journal, transaction.StateCompleted, nil); err != nil {
		m.logger.Warn("record rollback completion", "prefix", prefixName, "error", err)
	}
	if txn.Aside != "" {
		if err := os.RemoveAll(txn.Aside); err != nil {
			m.logger.Warn("remove previous prefix tree", "path", txn.Aside, "error", err)
		}
	}
	if err := txn.Remove(m.cfg.Journal); err != nil {
		m.logger.Warn("remove journal record", "id", txn.ID, "error", err)
	}

	m.logger.Info("prefix rolled back", "prefix", prefixName, "snapshot", snap.Name, "verified", verified)
	return &RollbackResult{Snapshot: snap.Name, Prefix: prefixName, Verified: verified}, nil
}

// restore puts the moved-aside root back at its original path.
func (m *Manager) restore(txn *transaction.Txn) error {
	if err := os.RemoveAll(txn.Final); err != nil {
		return errs.IO("remove partial prefix", txn.Final, err)
	}
	if txn.Aside == "" {
		return nil
	}
	if err := os.Rename(txn.Aside, txn.Final); err != nil {
		return errs.IO("restore prefix", txn.Final, err)
	}
	return transaction.SyncDir(filepath.Dir(txn.Final))
}

// Recover completes or undoes rollbacks interrupted by a crash. A rollback
// that finished extracting has its aside copy deleted; any other has its
// original root restored. It returns the prefixes recovered.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	txns, _, err := transaction.List(m.cfg.Journal)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, txn := range txns {
		if txn.Operation != transaction.OperationRollback {
			continue
		}
		lock, err := m.cfg.Prefixes.Lock(ctx, txn.Target, "recover")
		if errors.Is(err, errs.ErrLocked) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		switch {
		case txn.State == transaction.StateCompleted:
			err = os.RemoveAll(txn.Aside)
		case txn.Aside == "":
			// The prefix had no root; whatever is there is partial
			err = m.restore(txn)
		default:
			// A missing aside copy means the root was never moved
			if _, serr := os.Lstat(txn.Aside); serr == nil {
				err = m.restore(txn)
			}
		}
		if err == nil {
			err = txn.Remove(m.cfg.Journal)
		}
		lock.Release()
		if err != nil {
			return recovered, fmt.Errorf("recover rollback of prefix %s: %w", txn.Target, err)
		}
		m.logger.Info("recovered interrupted rollback", "prefix", txn.Target, "state", string(txn.State))
		recovered = append(recovered, txn.Target)
	}
	return recovered, nil
}
