package prefix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/elm-linux/elm/internal/bootstrap"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/transaction"
)

// Create builds a new prefix bound to an installed engine.
//
// The root is bootstrapped in a staging directory and renamed into place;
// the metadata is written last. On any failure the staging tree and the
// root are removed, so the name stays free.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Prefix, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}

	lock, err := s.Lock(ctx, req.Name, "create")
	if err != nil {
		return nil, fmt.Errorf("create prefix %s: %w", req.Name, err)
	}
	defer lock.Release()

	if err := s.checkFree(req.Name); err != nil {
		return nil, err
	}
	eng, err := s.cfg.Engines.Get(req.Engine)
	if err != nil {
		return nil, fmt.Errorf("create prefix %s: %w", req.Name, err)
	}

	env := make(map[string]string, len(s.cfg.DefaultEnv)+len(req.Env))
	for k, v := range s.cfg.DefaultEnv {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	p := &Prefix{
		Name:    req.Name,
		Engine:  eng.Version,
		Created: s.cfg.Now().UTC(),
		Env:     env,
		Path:    s.Path(req.Name),
	}

	populate := func(staging string) error {
		if err := os.Mkdir(staging, 0755); err != nil {
			return errs.IO("create prefix directory", staging, err)
		}
		return s.cfg.Bootstrapper.Bootstrap(ctx, bootstrap.Request{
			RuntimeDir: eng.RuntimeDir(),
			PrefixDir:  staging,
			Env:        env,
		})
	}
	err = s.publish(ctx, transaction.OperationCreate, p, populate, func() error { return engineOnDisk(eng) })
	if err != nil {
		return nil, fmt.Errorf("create prefix %s: %w", req.Name, err)
	}
	s.logger.Info("prefix created", "prefix", p.Name, "engine", p.Engine)
	return clone(p), nil
}

// Clone duplicates the tree of source into a new prefix named target. The
// clone keeps the source's engine binding and environment.
func (s *Store) Clone(ctx context.Context, source, target string) (*Prefix, error) {
	if err := ValidateName(target); err != nil {
		return nil, err
	}
	if source == target {
		return nil, errs.AlreadyExists(errs.KindPrefix, target)
	}
	src, err := s.Info(source)
	if err != nil {
		return nil, err
	}

	srcLock, err := s.Lock(ctx, source, "clone")
	if err != nil {
		return nil, fmt.Errorf("clone prefix %s: %w", source, err)
	}
	defer srcLock.Release()
	dstLock, err := s.Lock(ctx, target, "create")
	if err != nil {
		return nil, fmt.Errorf("clone prefix %s to %s: %w", source, target, err)
	}
	defer dstLock.Release()

	if err := s.checkFree(target); err != nil {
		return nil, err
	}

	p := clone(src)
	p.Name = target
	p.Created = s.cfg.Now().UTC()
	p.ClonedFrom = source
	p.Path = s.Path(target)

	err = s.publish(ctx, transaction.OperationClone, p, func(staging string) error {
		return s.cfg.Copier.Copy(ctx, src.Path, staging)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("clone prefix %s to %s: %w", source, target, err)
	}
	s.logger.Info("prefix cloned", "source", source, "prefix", target)
	return clone(p), nil
}

// checkFree fails if name is registered or its root is occupied.
func (s *Store) checkFree(name string) error {
	if s.Exists(name) {
		return errs.AlreadyExists(errs.KindPrefix, name)
	}
	if _, err := os.Lstat(s.metadataPath(name)); err == nil {
		return errs.AlreadyExists(errs.KindPrefix, name)
	}
	if _, err := os.Lstat(s.Path(name)); err == nil {
		return fmt.Errorf("%w: directory %s exists without metadata", errs.AlreadyExists(errs.KindPrefix, name), s.Path(name))
	}
	return nil
}

// publish runs populate against a staging path under the journal, renames
// the result to the prefix root and writes the metadata. The rename and the
// metadata write happen under the lock of the bound engine, after check.
func (s *Store) publish(ctx context.Context, op transaction.Operation, p *Prefix, populate func(staging string) error, check func() error) error {
	txn := transaction.New(op, p.Name, p.Path)
	txn.Staging = filepath.Join(s.cfg.Root, stagingPrefix+uuid.NewString())
	if err := txn.Advance(s.cfg.Journal, transaction.StateInProgress, nil); err != nil {
		return err
	}

	err := populate(txn.Staging)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = s.holdEngine(ctx, p.Engine, string(op), func() error {
			if check != nil {
				if err := check(); err != nil {
					return err
				}
			}
			if err := os.Rename(txn.Staging, p.Path); err != nil {
				return errs.IO("publish prefix", p.Path, err)
			}
			return s.save(p)
		})
	}
	if err != nil {
		s.abort(txn, err)
		return err
	}

	if err := transaction.SyncDir(s.cfg.Root); err != nil {
		s.logger.Warn("sync prefix directory", "error", err)
	}
	if err := txn.Remove(s.cfg.Journal); err != nil {
		s.logger.Warn("remove journal record", "id", txn.ID, "error", err)
	}
	return nil
}

// abort removes everything a failed create or clone produced.
func (s *Store) abort(txn *transaction.Txn, cause error) {
	for _, path := range []string{txn.Staging, txn.Final} {
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("remove partial prefix", "path", path, "error", err)
		}
	}
	if err := os.Remove(s.metadataPath(txn.Target)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove partial prefix metadata", "prefix", txn.Target, "error", err)
	}
	s.mu.Lock()
	delete(s.index, txn.Target)
	s.mu.Unlock()

	if err := txn.Advance(s.cfg.Journal, transaction.StateFailed, cause); err == nil {
		txn.Remove(s.cfg.Journal)
	}
}

// Delete removes a prefix root and its metadata. Deleting a prefix that
// does not exist succeeds.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	lock, err := s.Lock(ctx, name, "delete")
	if err != nil {
		return fmt.Errorf("delete prefix %s: %w", name, err)
	}
	defer lock.Release()

	// The metadata goes first: a root without metadata is an orphan that
	// Recover removes, never a half-deleted prefix.
	if err := os.Remove(s.metadataPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.IO("delete prefix metadata", s.metadataPath(name), err)
	}
	s.mu.Lock()
	delete(s.index, name)
	s.mu.Unlock()
	s.clearDefault(name)

	root := s.Path(name)
	trash := filepath.Join(s.cfg.Root, trashPrefix+name+"-"+uuid.NewString())
	if err := os.Rename(root, trash); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errs.IO("delete prefix", root, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn("leftover prefix tree will be removed by clean", "path", trash, "error", err)
	}
	s.logger.Info("prefix deleted", "prefix", name)
	return nil
}

// Bind points an existing prefix at another installed engine version. The
// prefix tree is not touched.
func (s *Store) Bind(ctx context.Context, name, version string) (*Prefix, error) {
	lock, err := s.Lock(ctx, name, "bind")
	if err != nil {
		return nil, fmt.Errorf("bind prefix %s: %w", name, err)
	}
	defer lock.Release()

	p, err := s.Info(name)
	if err != nil {
		return nil, err
	}
	eng, err := s.cfg.Engines.Get(version)
	if err != nil {
		return nil, fmt.Errorf("bind prefix %s: %w", name, err)
	}
	previous := p.Engine
	p.Engine = eng.Version
	err = s.holdEngine(ctx, eng.Version, "bind", func() error {
		if err := engineOnDisk(eng); err != nil {
			return err
		}
		return s.save(p)
	})
	if err != nil {
		return nil, fmt.Errorf("bind prefix %s: %w", name, err)
	}
	s.logger.Info("prefix bound", "prefix", name, "engine", p.Engine, "previous", previous)
	return p, nil
}

// Recover cleans up creates and clones interrupted by a crash, and removes
// trash trees left by deletes. It returns the prefix names cleaned up.
func (s *Store) Recover(ctx context.Context) ([]string, error) {
	txns, _, err := transaction.List(s.cfg.Journal)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, txn := range txns {
		if txn.Operation != transaction.OperationCreate && txn.Operation != transaction.OperationClone {
			continue
		}
		lock, err := s.Lock(ctx, txn.Target, "recover")
		if errors.Is(err, errs.ErrLocked) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		if rerr := os.RemoveAll(txn.Staging); rerr != nil {
			lock.Release()
			return recovered, errs.IO("remove staging tree", txn.Staging, rerr)
		}
		// Renamed into place but never registered
		if _, err := os.Lstat(s.metadataPath(txn.Target)); errors.Is(err, os.ErrNotExist) {
			if rerr := os.RemoveAll(txn.Final); rerr != nil {
				lock.Release()
				return recovered, errs.IO("remove partial prefix", txn.Final, rerr)
			}
		}
		err = txn.Remove(s.cfg.Journal)
		lock.Release()
		if err != nil {
			return recovered, err
		}
		s.logger.Info("cleaned up interrupted prefix operation", "prefix", txn.Target, "operation", string(txn.Operation))
		recovered = append(recovered, txn.Target)
	}

	leftovers, err := s.Leftovers()
	if err != nil {
		return recovered, err
	}
	for _, path := range leftovers {
		if !isTrash(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("remove leftover prefix tree", "path", path, "error", err)
		}
	}
	return recovered, nil
}

func isTrash(path string) bool {
	return strings.HasPrefix(filepath.Base(path), trashPrefix)
}
