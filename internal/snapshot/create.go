package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/transaction"
)

// Snapshot archives the root of prefixName as snapshotName.
//
// The archive is written to a temporary file, hashed while it is written,
// and published with a hard link, which fails instead of replacing an
// existing snapshot. A second snapshot with the same name therefore fails
// with an AlreadyExistsError even when two run at once.
func (m *Manager) Snapshot(ctx context.Context, prefixName, snapshotName string) (*Snapshot, error) {
	if err := ValidateName(snapshotName); err != nil {
		return nil, err
	}
	p, err := m.cfg.Prefixes.Info(prefixName)
	if err != nil {
		return nil, err
	}
	final := m.Path(snapshotName)
	if _, err := os.Lstat(final); err == nil {
		return nil, errs.AlreadyExists(errs.KindSnapshot, snapshotName)
	}

	lock, err := m.cfg.Prefixes.Lock(ctx, prefixName, "snapshot")
	if err != nil {
		return nil, fmt.Errorf("snapshot prefix %s: %w", prefixName, err)
	}
	defer lock.Release()

	tmp := filepath.Join(m.cfg.Root, tmpName(uuid.NewString(), prefixName))
	snap, err := m.write(ctx, p.Path, tmp)
	defer os.Remove(tmp)
	if err != nil {
		return nil, fmt.Errorf("snapshot prefix %s as %s: %w", prefixName, snapshotName, err)
	}

	// Published archives are never written again
	if err := os.Chmod(tmp, archiveMode); err != nil {
		return nil, errs.IO("protect snapshot file", tmp, err)
	}
	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errs.AlreadyExists(errs.KindSnapshot, snapshotName)
		}
		return nil, errs.IO("publish snapshot", final, err)
	}

	snap.Name = snapshotName
	snap.Prefix = prefixName
	snap.Created = m.cfg.Now().UTC()
	snap.Path = final
	if err := transaction.WriteJSON(m.recordPath(snapshotName), snap, 0644); err != nil {
		// The archive is usable without its record; rollback just cannot
		// verify it.
		m.logger.Warn("write snapshot record", "snapshot", snapshotName, "error", err)
	}
	if err := transaction.SyncDir(m.cfg.Root); err != nil {
		m.logger.Warn("sync snapshot directory", "error", err)
	}

	for _, skipped := range snap.Skipped {
		m.logger.Warn("entry not included in snapshot", "snapshot", snapshotName, "entry", skipped)
	}
	m.logger.Info("snapshot created", "snapshot", snapshotName, "prefix", prefixName, "size", snap.Size)
	return snap, nil
}

// write archives dir into path, hashing the compressed stream as it goes.
func (m *Manager) write(ctx context.Context, dir, path string) (*Snapshot, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errs.IO("create snapshot file", path, err)
	}
	defer f.Close()

	h := integrity.NewHasher()
	stats, err := m.cfg.Codec.Write(ctx, dir, io.MultiWriter(f, h))
	if err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, errs.IO("sync snapshot file", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, errs.IO("close snapshot file", path, err)
	}
	return &Snapshot{
		SHA256:  h.Sum(),
		Size:    h.Size(),
		Bytes:   stats.Bytes,
		Entries: stats.Entries,
		Skipped: stats.Skipped,
	}, nil
}
