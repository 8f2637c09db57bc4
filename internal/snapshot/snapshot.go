// Package snapshot captures prefix trees as named compressed archives and
// restores prefixes from them.
//
// Snapshots live in one directory as <name>.tar.zst with a <name>.json
// record beside each archive. Archives are never rewritten once published.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/transaction"
)

const (
	recordExt = ".json"
	tmpPrefix = ".tmp-"

	// archiveMode is the mode of a published archive.
	archiveMode os.FileMode = 0444
)

// Snapshot describes one published archive.
type Snapshot struct {
	Name    string    `json:"name"`
	Prefix  string    `json:"prefix"`
	Created time.Time `json:"created"`
	SHA256  string    `json:"sha256"`
	Size    int64     `json:"size"`  // archive bytes
	Bytes   int64     `json:"bytes"` // uncompressed file content
	Entries int       `json:"entries"`
	// Skipped lists entries left out of the archive, such as symlinks
	// pointing outside the prefix.
	Skipped []string `json:"skipped,omitempty"`

	Path string `json:"-"`
}

// Prefixes is the part of the prefix store the manager needs.
type Prefixes interface {
	Info(name string) (*prefix.Prefix, error)
	Lock(ctx context.Context, name, operation string) (*transaction.Lock, error)
	Root() string
}

// Codec writes and extracts snapshot archives.
type Codec interface {
	Write(ctx context.Context, sourceDir string, w io.Writer) (*archive.Stats, error)
	Extract(ctx context.Context, archivePath, destDir string) error
}

// Config holds configuration for the snapshot manager
type Config struct {
	Root     string
	Journal  string
	Prefixes Prefixes
	Codec    Codec // defaults to archive.Codec
	Logger   logging.Logger
	Now      func() time.Time
}

// Manager creates, lists and restores snapshots.
type Manager struct {
	cfg    Config
	logger logging.Logger
}

// NewManager creates a snapshot manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("snapshot root is required")
	}
	if cfg.Prefixes == nil {
		return nil, fmt.Errorf("prefix store is required")
	}
	if cfg.Journal == "" {
		cfg.Journal = filepath.Join(cfg.Root, ".journal")
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Codec == nil {
		cfg.Codec = archive.NewCodec(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, errs.IO("create directory", cfg.Root, err)
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}, nil
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName checks that name can be used as a snapshot file name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.HasSuffix(name, recordExt) || strings.HasSuffix(name, archive.Extension) {
		return fmt.Errorf("invalid snapshot name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

// Path returns the archive path for a snapshot name.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.cfg.Root, name+archive.Extension)
}

func (m *Manager) recordPath(name string) string {
	return filepath.Join(m.cfg.Root, name+recordExt)
}

// Get returns a snapshot by name.
func (m *Manager) Get(name string) (*Snapshot, error) {
	if err := ValidateName(name); err != nil {
		return nil, errs.NotFound(errs.KindSnapshot, name)
	}
	path := m.Path(name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound(errs.KindSnapshot, name)
		}
		return nil, errs.IO("stat snapshot", path, err)
	}

	var s Snapshot
	if err := transaction.ReadJSON(m.recordPath(name), &s); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("unreadable snapshot record", "snapshot", name, "error", err)
		}
		// Archive without a record: nothing to verify against
		s = Snapshot{Name: name, Created: info.ModTime().UTC()}
	}
	s.Name = name
	s.Size = info.Size()
	s.Path = path
	return &s, nil
}

// List returns the snapshots, oldest first. A non-empty prefixName keeps
// only snapshots taken of that prefix.
func (m *Manager) List(prefixName string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return nil, errs.IO("read snapshot directory", m.cfg.Root, err)
	}
	var list []*Snapshot
	for _, entry := range entries {
		file := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(file, ".") || !strings.HasSuffix(file, archive.Extension) {
			continue
		}
		s, err := m.Get(strings.TrimSuffix(file, archive.Extension))
		if err != nil {
			continue
		}
		if prefixName != "" && s.Prefix != prefixName {
			continue
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Created.Equal(list[j].Created) {
			return list[i].Created.Before(list[j].Created)
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// Delete removes a snapshot archive and its record.
func (m *Manager) Delete(name string) error {
	s, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := os.Remove(m.recordPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.IO("delete snapshot record", m.recordPath(name), err)
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.IO("delete snapshot", s.Path, err)
	}
	m.logger.Info("snapshot deleted", "snapshot", name)
	return nil
}

// DeleteForPrefix removes every snapshot taken of prefixName and returns
// their names.
func (m *Manager) DeleteForPrefix(prefixName string) ([]string, error) {
	list, err := m.List(prefixName)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, s := range list {
		if err := m.Delete(s.Name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, s.Name)
	}
	return deleted, nil
}

// Leftovers lists temporary archives left by interrupted snapshots and
// prefix trees orphaned by interrupted rollbacks. Archives of a snapshot
// still being written are not listed.
func (m *Manager) Leftovers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return nil, errs.IO("read snapshot directory", m.cfg.Root, err)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		if owner := tmpOwner(name); owner != "" {
			lock, err := m.cfg.Prefixes.Lock(ctx, owner, "probe")
			if errors.Is(err, errs.ErrLocked) {
				continue
			}
			if err == nil {
				lock.Release()
			}
		}
		out = append(out, filepath.Join(m.cfg.Root, name))
	}

	aside, err := m.orphanedAside()
	if err != nil {
		return nil, err
	}
	return append(out, aside...), nil
}

// orphanedAside lists trees moved aside by rollbacks that have no journal
// record left, so Recover will never restore them.
func (m *Manager) orphanedAside() ([]string, error) {
	txns, _, err := transaction.List(m.cfg.Journal)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]bool)
	for _, txn := range txns {
		if txn.Operation == transaction.OperationRollback && txn.Aside != "" {
			recorded[txn.Aside] = true
		}
	}

	root := m.cfg.Prefixes.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errs.IO("read prefix directory", root, err)
	}
	var out []string
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.IsDir() && strings.HasPrefix(entry.Name(), AsidePrefix) && !recorded[path] {
			out = append(out, path)
		}
	}
	return out, nil
}

// tmpName is the temporary archive for a snapshot of prefixName:
// .tmp-<uuid>.<prefix>.tar.zst
func tmpName(id, prefixName string) string {
	return tmpPrefix + id + "." + prefixName + archive.Extension
}

// tmpOwner returns the prefix encoded in a temporary archive name.
func tmpOwner(name string) string {
	rest := strings.TrimSuffix(strings.TrimPrefix(name, tmpPrefix), archive.Extension)
	i := strings.IndexByte(rest, '.')
	if i < 0 {
		return ""
	}
	return rest[i+1:]
}
