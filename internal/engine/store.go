// Package engine is the on-disk registry of installed engine versions.
//
// Each version lives in <root>/<version>/ with the extracted archive under
// dist/ and its metadata in engine.json. A version directory only ever
// appears through a rename of a fully extracted and verified staging tree,
// so a directory with valid metadata is always complete.
package engine

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

	"github.com/blang/semver"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/download"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/platform"
	"github.com/elm-linux/elm/internal/release"
	"github.com/elm-linux/elm/internal/transaction"
)

const (
	metadataFile  = "engine.json"
	distDirName   = "dist"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"

	// LockKind is the lock namespace of engine versions.
	LockKind = "engine"

	// InconsistencyRemovedInUse is recorded when an engine is removed with
	// force while prefixes are still bound to it.
	InconsistencyRemovedInUse = "engine-removed-in-use"
)

// Fetcher downloads release assets.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) (*download.Result, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Extractor unpacks an archive into an empty directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// Referrers reports which prefixes are bound to which engine versions.
type Referrers interface {
	EngineReferences(ctx context.Context) (map[string][]string, error)
}

// Config holds configuration for the engine store
type Config struct {
	// Root holds one directory per installed version
	Root string
	// Downloads caches fetched archives
	Downloads string
	// Locks and Journal are shared with the other stores
	Locks   string
	Journal string

	Fetcher    Fetcher
	Extractor  Extractor // defaults to archive.Codec
	Signatures *integrity.SignatureVerifier
	SpaceProbe platform.SpaceProbe // nil skips the free-space preflight

	// AllowUnverified installs releases without a published digest,
	// recording the computed digest instead.
	AllowUnverified bool

	Logger logging.Logger
	Now    func() time.Time
}

// Store manages installed engine versions.
type Store struct {
	cfg       Config
	logger    logging.Logger
	referrers Referrers

	mu     sync.RWMutex
	index  map[string]*Engine
	states map[string]Status // transient and corrupt states
}

// NewStore creates the store and indexes the versions already on disk.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("engine root is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Downloads == "" {
		cfg.Downloads = filepath.Join(cfg.Root, ".downloads")
	}
	if cfg.Locks == "" {
		cfg.Locks = filepath.Join(cfg.Root, ".locks")
	}
	if cfg.Journal == "" {
		cfg.Journal = filepath.Join(cfg.Root, ".journal")
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Extractor == nil {
		cfg.Extractor = archive.NewCodec(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	for _, dir := range []string{cfg.Root, cfg.Downloads} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.IO("create directory", dir, err)
		}
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetReferrers connects the store to the prefix registry. Without it no
// version counts as referenced.
func (s *Store) SetReferrers(r Referrers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrers = r
}

// Root returns the directory holding the versions.
func (s *Store) Root() string {
	return s.cfg.Root
}

// Reload rebuilds the in-memory index from disk.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return errs.IO("read engine directory", s.cfg.Root, err)
	}

	index := make(map[string]*Engine)
	states := make(map[string]Status)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		e, err := s.load(name)
		if err != nil {
			s.logger.Warn("engine directory is not a complete install", "version", name, "error", err)
			states[name] = StatusCorrupt
			continue
		}
		index[e.Version] = e
	}

	s.mu.Lock()
	s.index = index
	s.states = states
	s.mu.Unlock()
	return nil
}

// load reads and checks the metadata of one version directory.
func (s *Store) load(version string) (*Engine, error) {
	dir := s.path(version)
	var e Engine
	if err := transaction.ReadJSON(filepath.Join(dir, metadataFile), &e); err != nil {
		return nil, err
	}
	if e.Version != version {
		return nil, fmt.Errorf("metadata names version %q", e.Version)
	}
	if !integrity.Valid(e.Digest) {
		return nil, fmt.Errorf("metadata has no valid digest")
	}
	e.Path = dir
	if fi, err := os.Stat(e.DistDir()); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("missing %s tree", distDirName)
	}
	return &e, nil
}

func (s *Store) path(version string) string {
	return filepath.Join(s.cfg.Root, version)
}

// canonical maps a tag or version string to the directory name.
func canonical(version string) (string, error) {
	v, err := release.ParseVersion(version)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// List returns the installed versions, newest first.
func (s *Store) List() []*Engine {
	s.mu.RLock()
	list := make([]*Engine, 0, len(s.index))
	for _, e := range s.index {
		c := *e
		list = append(list, &c)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return semverOf(list[i]).GT(semverOf(list[j]))
	})
	return list
}

func semverOf(e *Engine) semver.Version {
	v, err := semver.Parse(e.Version)
	if err != nil {
		return semver.Version{}
	}
	return v
}

// Get returns an installed version. version may be a tag.
func (s *Store) Get(version string) (*Engine, error) {
	v, err := canonical(version)
	if err != nil {
		return nil, errs.NotFound(errs.KindEngine, version)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[v]
	if !ok {
		return nil, errs.NotFound(errs.KindEngine, version)
	}
	c := *e
	return &c, nil
}

// Installed reports whether version is installed.
func (s *Store) Installed(version string) bool {
	_, err := s.Get(version)
	return err == nil
}

// Current returns the newest installed version.
func (s *Store) Current() (*Engine, error) {
	list := s.List()
	if len(list) == 0 {
		return nil, errs.NotFound(errs.KindEngine, "current")
	}
	return list[0], nil
}

// Corrupt returns the versions whose directories are not complete installs,
// as found by the last Reload or a failed verification.
func (s *Store) Corrupt() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for v, st := range s.states {
		if st == StatusCorrupt {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Status returns the state of a version.
func (s *Store) Status(version string) Status {
	v, err := canonical(version)
	if err != nil {
		return StatusAbsent
	}
	s.mu.RLock()
	st, transient := s.states[v]
	_, installed := s.index[v]
	s.mu.RUnlock()

	switch {
	case transient:
		return st
	case installed:
		return StatusInstalled
	}
	if _, err := os.Lstat(s.path(v)); err == nil {
		return StatusCorrupt
	}
	return StatusAbsent
}

func (s *Store) setState(version string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StatusAbsent || st == StatusInstalled {
		delete(s.states, version)
		return
	}
	s.states[version] = st
}

func (s *Store) put(e *Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[e.Version] = e
	delete(s.states, e.Version)
}

func (s *Store) drop(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, version)
	delete(s.states, version)
}

// references returns the prefixes bound to each version.
func (s *Store) references(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	r := s.referrers
	s.mu.RUnlock()
	if r == nil {
		return nil, nil
	}
	refs, err := r.EngineReferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("list engine references: %w", err)
	}
	return refs, nil
}

// discard removes a tree by first renaming it out of the namespace, so a
// failed removal never leaves a half-deleted version at its canonical path.
func (s *Store) discard(path string) error {
	trash := filepath.Join(s.cfg.Root, trashPrefix+filepath.Base(path)+"-"+fmt.Sprint(s.cfg.Now().UnixNano()))
	if err := os.Rename(path, trash); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := transaction.SyncDir(s.cfg.Root); err != nil {
		s.logger.Warn("sync engine directory", "error", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn("leftover engine tree will be removed by clean", "path", trash, "error", err)
	}
	return nil
}
