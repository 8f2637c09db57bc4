// Package prefix is the on-disk registry of named prefixes.
//
// A prefix lives in <root>/<name>/ with its metadata in <root>/<name>.json.
// The metadata file is written last, so a prefix exists exactly when its
// metadata does; a root without metadata is an orphan left by a crash and
// is removed by Recover.
package prefix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/bootstrap"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/transaction"
)

const (
	metadataExt   = ".json"
	defaultFile   = ".default.json"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"

	// LockKind is the lock namespace shared by every operation that
	// mutates a prefix root, including snapshot rollback.
	LockKind = "prefix"

	engineLockInterval = 50 * time.Millisecond
	engineLockTries    = 40
)

// Engines looks up installed engine versions.
type Engines interface {
	Get(version string) (*engine.Engine, error)
}

// Copier duplicates a directory tree.
type Copier interface {
	Copy(ctx context.Context, srcDir, dstDir string) error
}

// Config holds configuration for the prefix store
type Config struct {
	Root    string
	Locks   string
	Journal string

	Engines      Engines
	Bootstrapper bootstrap.Bootstrapper
	Copier       Copier // defaults to archive.Codec

	// DefaultEnv is copied into every new prefix.
	DefaultEnv map[string]string

	Logger logging.Logger
	Now    func() time.Time
}

// Store manages prefixes.
type Store struct {
	cfg    Config
	logger logging.Logger

	mu    sync.RWMutex
	index map[string]*Prefix
}

// NewStore creates the store and indexes the prefixes already on disk.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("prefix root is required")
	}
	if cfg.Engines == nil {
		return nil, fmt.Errorf("engine lookup is required")
	}
	if cfg.Bootstrapper == nil {
		cfg.Bootstrapper = bootstrap.Proton{}
	}
	if cfg.Locks == "" {
		cfg.Locks = filepath.Join(cfg.Root, ".locks")
	}
	if cfg.Journal == "" {
		cfg.Journal = filepath.Join(cfg.Root, ".journal")
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Copier == nil {
		cfg.Copier = archive.NewCodec(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, errs.IO("create directory", cfg.Root, err)
	}

	s := &Store{cfg: cfg, logger: cfg.Logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory holding the prefixes.
func (s *Store) Root() string {
	return s.cfg.Root
}

// Path returns the root directory of the named prefix.
func (s *Store) Path(name string) string {
	return filepath.Join(s.cfg.Root, name)
}

func (s *Store) metadataPath(name string) string {
	return filepath.Join(s.cfg.Root, name+metadataExt)
}

// Lock takes the exclusive lock on a prefix for operation.
func (s *Store) Lock(ctx context.Context, name, operation string) (*transaction.Lock, error) {
	return transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, name, operation)
}

// Reload rebuilds the in-memory index from the metadata files.
func (s *Store) Reload() error {
	index, err := s.scan()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// scan reads every metadata file under the root.
func (s *Store) scan() (map[string]*Prefix, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, errs.IO("read prefix directory", s.cfg.Root, err)
	}
	index := make(map[string]*Prefix)
	for _, entry := range entries {
		file := entry.Name()
		if entry.IsDir() || strings.HasPrefix(file, ".") || !strings.HasSuffix(file, metadataExt) {
			continue
		}
		name := strings.TrimSuffix(file, metadataExt)
		p, err := s.load(name)
		if err != nil {
			s.logger.Warn("skipping unreadable prefix metadata", "prefix", name, "error", err)
			continue
		}
		index[name] = p
	}
	return index, nil
}

func (s *Store) load(name string) (*Prefix, error) {
	var p Prefix
	if err := transaction.ReadJSON(s.metadataPath(name), &p); err != nil {
		return nil, err
	}
	if p.Name != name {
		return nil, fmt.Errorf("metadata names prefix %q", p.Name)
	}
	if p.Env == nil {
		p.Env = map[string]string{}
	}
	p.Path = s.Path(name)
	return &p, nil
}

func (s *Store) save(p *Prefix) error {
	if err := transaction.WriteJSON(s.metadataPath(p.Name), p, 0644); err != nil {
		return errs.IO("write prefix metadata", s.metadataPath(p.Name), err)
	}
	c := *p
	s.mu.Lock()
	s.index[p.Name] = &c
	s.mu.Unlock()
	return nil
}

// Info returns the metadata of a prefix.
func (s *Store) Info(name string) (*Prefix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[name]
	if !ok {
		return nil, errs.NotFound(errs.KindPrefix, name)
	}
	return clone(p), nil
}

// Exists reports whether a prefix is registered.
func (s *Store) Exists(name string) bool {
	_, err := s.Info(name)
	return err == nil
}

// List returns all prefixes sorted by name.
func (s *Store) List() []*Prefix {
	s.mu.RLock()
	list := make([]*Prefix, 0, len(s.index))
	for _, p := range s.index {
		list = append(list, clone(p))
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func clone(p *Prefix) *Prefix {
	c := *p
	c.Env = make(map[string]string, len(p.Env))
	for k, v := range p.Env {
		c.Env[k] = v
	}
	return &c
}

// EngineReferences maps each bound engine version to the prefixes using it.
// It reads the metadata on disk rather than the index, so bindings made by
// other processes are included.
func (s *Store) EngineReferences(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index, err := s.scan()
	if err != nil {
		return nil, err
	}
	refs := make(map[string][]string)
	for _, p := range index {
		refs[p.Engine] = append(refs[p.Engine], p.Name)
	}
	for _, names := range refs {
		sort.Strings(names)
	}
	return refs, nil
}

// holdEngine runs record while holding the lock of an engine version.
// Engine removal takes the same lock for its last reference check, so a
// binding recorded here is either seen by it or made after the removal and
// caught by record's own check. The lock is only ever held briefly, so a
// busy lock is retried for a moment before giving up.
func (s *Store) holdEngine(ctx context.Context, version, operation string, record func() error) error {
	lock, err := backoff.Retry(ctx, func() (*transaction.Lock, error) {
		l, err := transaction.AcquireLock(ctx, s.cfg.Locks, engine.LockKind, version, operation)
		if err != nil && !errors.Is(err, errs.ErrLocked) {
			return nil, backoff.Permanent(err)
		}
		return l, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(engineLockInterval)),
		backoff.WithMaxTries(engineLockTries),
	)
	if err != nil {
		return err
	}
	defer lock.Release()
	return record()
}

// engineOnDisk fails unless the runtime of e is still installed.
func engineOnDisk(e *engine.Engine) error {
	if _, err := os.Stat(e.RuntimeDir()); err != nil {
		return errs.NotFound(errs.KindEngine, e.Version)
	}
	return nil
}

// Orphans lists directories under the root that have no metadata and are
// not staging or trash trees of a running operation.
func (s *Store) Orphans() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, errs.IO("read prefix directory", s.cfg.Root, err)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || s.Exists(name) {
			continue
		}
		out = append(out, filepath.Join(s.cfg.Root, name))
	}
	return out, nil
}

// Leftovers lists staging and trash trees under the root.
func (s *Store) Leftovers() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, errs.IO("read prefix directory", s.cfg.Root, err)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() && (strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, trashPrefix)) {
			out = append(out, filepath.Join(s.cfg.Root, name))
		}
	}
	return out, nil
}

type defaultRecord struct {
	Name string `json:"name"`
}

// SetDefault records name as the default prefix.
func (s *Store) SetDefault(name string) error {
	if !s.Exists(name) {
		return errs.NotFound(errs.KindPrefix, name)
	}
	path := filepath.Join(s.cfg.Root, defaultFile)
	if err := transaction.WriteJSON(path, defaultRecord{Name: name}, 0644); err != nil {
		return errs.IO("write default prefix", path, err)
	}
	return nil
}

// DefaultName returns the recorded default prefix name, or "" when none is
// set.
func (s *Store) DefaultName() (string, error) {
	var rec defaultRecord
	path := filepath.Join(s.cfg.Root, defaultFile)
	if err := transaction.ReadJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", errs.IO("read default prefix", path, err)
	}
	return rec.Name, nil
}

// Default returns the default prefix. It fails with a NotFoundError when
// no default is set or the recorded prefix no longer exists.
func (s *Store) Default() (*Prefix, error) {
	name, err := s.DefaultName()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("no default prefix set: %w", errs.NotFound(errs.KindPrefix, "default"))
	}
	return s.Info(name)
}

func (s *Store) clearDefault(name string) {
	current, err := s.DefaultName()
	if err != nil || current != name {
		return
	}
	if err := os.Remove(filepath.Join(s.cfg.Root, defaultFile)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("clear default prefix", "error", err)
	}
}

// Stale lists staging and trash trees that no running create or clone
// owns. These are safe to remove.
func (s *Store) Stale(ctx context.Context) ([]string, error) {
	txns, _, err := transaction.List(s.cfg.Journal)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)
	for _, txn := range txns {
		if txn.Operation != transaction.OperationCreate && txn.Operation != transaction.OperationClone {
			continue
		}
		lock, err := s.Lock(ctx, txn.Target, "probe")
		if errors.Is(err, errs.ErrLocked) {
			owned[txn.Staging] = true
			continue
		}
		if err != nil {
			return nil, err
		}
		lock.Release()
	}

	all, err := s.Leftovers()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, path := range all {
		if !owned[path] {
			out = append(out, path)
		}
	}
	return out, nil
}
