package app

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/manifest"
)

// InstallRequest installs one application.
type InstallRequest struct {
	Target
	App *manifest.App
	// Stdout and Stderr receive the installer output. When nil the output
	// is captured for error reports.
	Stdout, Stderr io.Writer
}

// InstallResult describes a finished install.
type InstallResult struct {
	// InstallDir is the directory created under drive_c.
	InstallDir string
	// Installer is the cached setup program.
	Installer string
	Digest    string
	Verified  bool
}

// Install downloads the application's installer, checks its digest when
// the descriptor publishes one and runs it inside the prefix. The install
// directory under drive_c is created first so installers that expect it
// find it.
func (r *Runner) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	a := req.App
	if a.Installer.Source.URL == "" {
		return nil, fmt.Errorf("install %s: descriptor has no installer source", a.ID)
	}
	if r.cfg.Fetcher == nil || r.cfg.Cache == "" {
		return nil, fmt.Errorf("install %s: no installer cache configured", a.ID)
	}
	if _, err := os.Stat(req.DriveC()); err != nil {
		return nil, fmt.Errorf("install %s: prefix has no drive_c: %w", a.ID, err)
	}

	res, err := r.fetch(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", a.ID, err)
	}

	dir := filepath.Join(req.DriveC(), filepath.FromSlash(strings.ReplaceAll(a.Installer.InstallDir, `\`, "/")))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.IO("create install directory", dir, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
	defer cancel()
	r.logger.Info("running installer", "app", a.ID, "installer", filepath.Base(res.Installer), "prefix", req.PrefixDir)
	if err := r.run(ctx, req.Target, res.Installer, a.Installer.Args, req.Stdout, req.Stderr, ErrInstallFailed); err != nil {
		return nil, fmt.Errorf("install %s: %w", a.ID, err)
	}

	res.InstallDir = dir
	r.logger.Info("application installed", "app", a.ID, "dir", dir)
	return res, nil
}

// fetch downloads the installer into the cache. A cached installer is
// reused only when the published digest vouches for it.
func (r *Runner) fetch(ctx context.Context, a *manifest.App) (*InstallResult, error) {
	expected := a.Installer.Source.SHA256
	dest := filepath.Join(r.cfg.Cache, a.ID, installerName(a.Installer.Source.URL))

	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() {
		if expected != "" {
			if digest, err := integrity.VerifyFile(dest, expected); err == nil {
				r.logger.Debug("using cached installer", "path", dest)
				return &InstallResult{Installer: dest, Digest: digest, Verified: true}, nil
			}
		}
		if err := os.Remove(dest); err != nil {
			return nil, errs.IO("remove cached installer", dest, err)
		}
	}

	dl, err := r.cfg.Fetcher.Fetch(ctx, a.Installer.Source.URL, dest)
	if err != nil {
		return nil, err
	}
	if expected == "" {
		r.logger.Warn("installer has no published digest, running it unverified", "app", a.ID, "sha256", dl.Digest)
		return &InstallResult{Installer: dl.Path, Digest: dl.Digest}, nil
	}
	if !integrity.Match(dl.Digest, expected) {
		if err := os.Remove(dl.Path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("remove rejected installer", "path", dl.Path, "error", err)
		}
		return nil, &integrity.IntegrityError{Path: dl.Path, Expected: integrity.Normalize(expected), Actual: dl.Digest}
	}
	return &InstallResult{Installer: dl.Path, Digest: dl.Digest, Verified: true}, nil
}

// installerName is the file name of the installer download.
func installerName(src string) string {
	name := ""
	if u, err := url.Parse(src); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" || name == ".." {
		name = "installer.exe"
	}
	return name
}
