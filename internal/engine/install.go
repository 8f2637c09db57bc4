package engine

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/platform"
	"github.com/elm-linux/elm/internal/release"
	"github.com/elm-linux/elm/internal/transaction"
)

const (
	// runnerName is the launcher script at the top of a Proton tree.
	runnerName = "proton"
	// runnerSearchDepth bounds the search for the runner below dist/.
	runnerSearchDepth = 3
	// extractFactor estimates the extracted size from the archive size.
	extractFactor = 3
)

// InstallResult describes the outcome of Install.
type InstallResult struct {
	Engine *Engine
	// AlreadyInstalled is set when nothing was fetched.
	AlreadyInstalled bool
}

// Install downloads, verifies, extracts and publishes a release.
//
// Installing a version that is already installed is a no-op that performs
// no network access. On any failure, including cancellation, the staging
// tree is removed and the version stays absent. The download cache keeps a
// partial file so a later attempt can resume it.
func (s *Store) Install(ctx context.Context, c release.Candidate) (*InstallResult, error) {
	version := c.Version.String()
	if e, err := s.Get(version); err == nil {
		s.logger.Debug("engine already installed", "version", version)
		return &InstallResult{Engine: e, AlreadyInstalled: true}, nil
	}
	if c.URL == "" {
		return nil, fmt.Errorf("install engine %s: release has no download URL", version)
	}

	lock, err := transaction.AcquireLock(ctx, s.cfg.Locks, LockKind, version, "install")
	if err != nil {
		return nil, fmt.Errorf("install engine %s: %w", version, err)
	}
	defer lock.Release()

	// Another process may have finished the same install before we locked
	if e, err := s.load(version); err == nil {
		s.put(e)
		return &InstallResult{Engine: e, AlreadyInstalled: true}, nil
	}

	expected, err := s.expectedDigest(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("install engine %s: %w", version, err)
	}
	if err := s.checkSpace(ctx, c); err != nil {
		return nil, fmt.Errorf("install engine %s: %w", version, err)
	}

	txn := transaction.New(transaction.OperationInstall, version, s.path(version))
	txn.Staging = filepath.Join(s.cfg.Root, stagingPrefix+uuid.NewString())
	txn.Download = s.downloadPath(c)
	if err := txn.Advance(s.cfg.Journal, transaction.StateInProgress, nil); err != nil {
		return nil, fmt.Errorf("install engine %s: %w", version, err)
	}

	e, err := s.install(ctx, c, expected, txn)
	if err != nil {
		if rmErr := os.RemoveAll(txn.Staging); rmErr != nil {
			s.logger.Warn("remove staging tree", "path", txn.Staging, "error", rmErr)
		}
		if s.Status(version) != StatusCorrupt {
			s.setState(version, StatusAbsent)
		}
		if jErr := txn.Advance(s.cfg.Journal, transaction.StateFailed, err); jErr == nil {
			txn.Remove(s.cfg.Journal)
		}
		return nil, fmt.Errorf("install engine %s: %w", version, err)
	}

	if err := txn.Remove(s.cfg.Journal); err != nil {
		s.logger.Warn("remove journal record", "id", txn.ID, "error", err)
	}
	s.logger.Info("engine installed", "version", version, "verified", e.Verified.String(), "runtime_root", e.RuntimeRoot)
	return &InstallResult{Engine: e}, nil
}

func (s *Store) install(ctx context.Context, c release.Candidate, expected string, txn *transaction.Txn) (*Engine, error) {
	version := c.Version.String()

	s.setState(version, StatusDownloading)
	s.reuseCached(txn.Download, expected)
	res, err := s.cfg.Fetcher.Fetch(ctx, c.URL, txn.Download)
	if err != nil {
		return nil, err
	}

	s.setState(version, StatusVerifying)
	method := VerificationNone
	if expected != "" {
		if !integrity.Match(res.Digest, expected) {
			s.discardArtifact(res.Path)
			s.setState(version, StatusCorrupt)
			return nil, &integrity.IntegrityError{Path: res.Path, Expected: integrity.Normalize(expected), Actual: res.Digest}
		}
		method = VerificationSHA256
	} else {
		s.logger.Warn("no published digest, trusting archive on first use",
			"version", version, "url", c.URL, "sha256", res.Digest)
	}

	signed, err := s.verifySignature(ctx, c, res.Path)
	if err != nil {
		s.discardArtifact(res.Path)
		s.setState(version, StatusCorrupt)
		return nil, err
	}
	if signed {
		method = VerificationGPG
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.Mkdir(txn.Staging, 0755); err != nil {
		return nil, errs.IO("create staging directory", txn.Staging, err)
	}
	dist := filepath.Join(txn.Staging, distDirName)
	if err := s.cfg.Extractor.Extract(ctx, res.Path, dist); err != nil {
		return nil, err
	}

	root, hasRunner, err := runtimeRoot(dist, c.RuntimeRoot)
	if err != nil {
		return nil, err
	}
	if !hasRunner {
		s.logger.Warn("no runner found in engine archive", "version", version, "runner", runnerName, "runtime_root", root)
	}

	e := &Engine{
		Version:     version,
		Tag:         c.Tag,
		SourceURL:   c.URL,
		AssetName:   c.AssetName,
		Digest:      res.Digest,
		Verified:    method,
		ArchiveSize: res.Size,
		RuntimeRoot: root,
		Prerelease:  c.Prerelease,
		InstalledAt: s.cfg.Now().UTC(),
	}
	if err := transaction.WriteJSON(filepath.Join(txn.Staging, metadataFile), e, 0644); err != nil {
		return nil, errs.IO("write engine metadata", txn.Staging, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.publish(txn.Staging, txn.Final); err != nil {
		return nil, err
	}
	e.Path = txn.Final
	s.put(e)

	c2 := *e
	return &c2, nil
}

// publish renames the staging tree into place. A leftover directory at the
// final path has no valid metadata (it would have been found installed) and
// is discarded first.
func (s *Store) publish(staging, final string) error {
	if err := s.discard(final); err != nil {
		return errs.IO("discard incomplete engine", final, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return errs.IO("publish engine", final, err)
	}
	if err := transaction.SyncDir(s.cfg.Root); err != nil {
		return errs.IO("sync engine directory", s.cfg.Root, err)
	}
	return nil
}

// expectedDigest returns the published digest for c. A release without one
// is refused unless unverified installs are allowed, in which case the
// empty digest is returned.
func (s *Store) expectedDigest(ctx context.Context, c release.Candidate) (string, error) {
	if c.Digest != "" {
		if !integrity.Valid(c.Digest) {
			return "", fmt.Errorf("published digest %q is not a sha256 digest", c.Digest)
		}
		return integrity.Normalize(c.Digest), nil
	}
	if c.ChecksumURL != "" {
		data, err := s.cfg.Fetcher.FetchBytes(ctx, c.ChecksumURL)
		if err != nil {
			return "", fmt.Errorf("fetch checksum listing: %w", err)
		}
		return integrity.FindChecksum(bytes.NewReader(data), assetFileName(c))
	}
	if !s.cfg.AllowUnverified {
		return "", fmt.Errorf("%w (allow unverified installs to trust it on first use)", integrity.ErrDigestUnavailable)
	}
	return "", nil
}

// verifySignature checks a detached signature when a keyring is configured
// and the release publishes one.
func (s *Store) verifySignature(ctx context.Context, c release.Candidate, archivePath string) (bool, error) {
	if !s.cfg.Signatures.Enabled() {
		return false, nil
	}
	if c.SignatureURL == "" {
		s.logger.Warn("keyring configured but release publishes no signature", "version", c.Version.String())
		return false, nil
	}
	sigPath := archivePath + path.Ext(c.SignatureURL)
	if _, err := s.cfg.Fetcher.Fetch(ctx, c.SignatureURL, sigPath); err != nil {
		return false, fmt.Errorf("fetch signature: %w", err)
	}
	if err := s.cfg.Signatures.VerifyFile(archivePath, sigPath); err != nil {
		os.Remove(sigPath)
		return false, err
	}
	return true, nil
}

func (s *Store) discardArtifact(p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove rejected download", "path", p, "error", err)
	}
}

// checkSpace refuses to start when the archive and its extracted tree
// cannot fit. Probe failures only warn.
func (s *Store) checkSpace(ctx context.Context, c release.Candidate) error {
	if s.cfg.SpaceProbe == nil || c.Size <= 0 {
		return nil
	}
	checks := []struct {
		dir  string
		need uint64
	}{
		{s.cfg.Downloads, uint64(c.Size)},
		{s.cfg.Root, uint64(c.Size) * extractFactor},
	}
	for _, chk := range checks {
		err := platform.CheckFreeSpace(ctx, s.cfg.SpaceProbe, chk.dir, chk.need)
		if err == nil {
			continue
		}
		if errs.IsIO(err) {
			return err
		}
		s.logger.Warn("free space check failed", "path", chk.dir, "error", err)
	}
	return nil
}

// downloadPath is where the archive of c is cached. Releases of different
// versions often share an asset name, so the cache is keyed by version.
func (s *Store) downloadPath(c release.Candidate) string {
	return filepath.Join(s.cfg.Downloads, c.Version.String(), assetFileName(c))
}

// reuseCached drops a complete cached archive unless it matches the
// published digest. Without a digest there is nothing to vouch for it and
// the archive is fetched again.
func (s *Store) reuseCached(p, expected string) {
	if fi, err := os.Stat(p); err != nil || !fi.Mode().IsRegular() {
		return
	}
	if expected != "" {
		if _, err := integrity.VerifyFile(p, expected); err == nil {
			s.logger.Debug("reusing cached download", "path", p)
			return
		}
	}
	s.logger.Debug("discarding cached download", "path", p)
	s.discardArtifact(p)
}

// assetFileName names the cached download for c.
func assetFileName(c release.Candidate) string {
	name := c.AssetName
	if name == "" {
		if u, err := url.Parse(c.URL); err == nil {
			name = path.Base(u.Path)
		}
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		name = c.Version.String() + ".tar.gz"
	}
	return name
}

// runtimeRoot returns the directory under dist holding the runner. A hint
// from an engine descriptor must exist. Without one the tree is searched;
// if no runner is found a single top-level directory is used, else ".".
func runtimeRoot(dist, hint string) (string, bool, error) {
	if hint != "" {
		dir := filepath.Join(dist, filepath.FromSlash(hint))
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			return "", false, fmt.Errorf("runtime root %q not found in archive", hint)
		}
		_, err = os.Stat(filepath.Join(dir, runnerName))
		return hint, err == nil, nil
	}

	found, ok := "", false
	err := filepath.WalkDir(dist, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dist, p)
		if d.IsDir() {
			if rel != "." && strings.Count(rel, string(filepath.Separator)) >= runnerSearchDepth-1 {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == runnerName && d.Type().IsRegular() {
			found, ok = filepath.ToSlash(filepath.Dir(rel)), true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("search runtime root: %w", err)
	}
	if ok {
		return found, true, nil
	}

	entries, err := os.ReadDir(dist)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", dist, err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return entries[0].Name(), false, nil
	}
	return ".", false, nil
}
