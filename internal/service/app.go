package service

import (
	"context"
	"fmt"
	"io"

	"github.com/elm-linux/elm/internal/app"
	"github.com/elm-linux/elm/internal/manifest"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/release"
)

// AppInstallRequest installs an application into a prefix.
type AppInstallRequest struct {
	// Prefix is empty for the default prefix.
	Prefix string
	// Manifest is the path of the application descriptor.
	Manifest       string
	Stdout, Stderr io.Writer
}

// InstallApp runs an application's installer inside a prefix, holding the
// prefix lock so no snapshot or rollback sees a half-installed tree.
func (s *Service) InstallApp(ctx context.Context, req AppInstallRequest) (*app.InstallResult, error) {
	a, err := manifest.LoadApp(req.Manifest)
	if err != nil {
		return nil, err
	}
	p, err := s.prefixOrDefault(req.Prefix)
	if err != nil {
		return nil, err
	}
	lock, err := s.Prefixes.Lock(ctx, p.Name, "install")
	if err != nil {
		return nil, fmt.Errorf("install %s into %s: %w", a.ID, p.Name, err)
	}
	defer lock.Release()

	target, err := s.target(p, a)
	if err != nil {
		return nil, err
	}
	return s.Apps.Install(ctx, app.InstallRequest{Target: target, App: a, Stdout: req.Stdout, Stderr: req.Stderr})
}

// RunRequest launches a program inside a prefix.
type RunRequest struct {
	// Prefix is empty for the default prefix.
	Prefix string
	// Exe is the program, relative to pfx/. When empty the entrypoint of
	// Manifest is run.
	Exe        string
	Manifest   string
	Entrypoint string // by name; the first one when empty
	Args       []string
	// Env is applied over the descriptor's and the prefix's variables.
	Env            map[string]string
	Detach         bool
	Stdout, Stderr io.Writer
}

// Run launches a program with the prefix's engine and environment. It
// takes no lock, so several programs may share a prefix.
func (s *Service) Run(ctx context.Context, req RunRequest) (*app.Process, error) {
	p, err := s.prefixOrDefault(req.Prefix)
	if err != nil {
		return nil, err
	}
	var a *manifest.App
	if req.Manifest != "" {
		if a, err = manifest.LoadApp(req.Manifest); err != nil {
			return nil, err
		}
	}

	exe, args := req.Exe, req.Args
	if exe == "" {
		if a == nil {
			return nil, fmt.Errorf("%w: give a program path or an application descriptor", app.ErrLaunchFailed)
		}
		ep, err := a.Entrypoint(req.Entrypoint)
		if err != nil {
			return nil, err
		}
		exe = ep.Path
		args = append(append([]string{}, ep.Args...), req.Args...)
	}

	target, err := s.target(p, a)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Env {
		target.Env[k] = v
	}
	return s.Apps.Launch(ctx, app.LaunchRequest{
		Target: target,
		Exe:    exe,
		Args:   args,
		Detach: req.Detach,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
}

func (s *Service) prefixOrDefault(name string) (*prefix.Prefix, error) {
	if name == "" {
		return s.Prefixes.Default()
	}
	return s.Prefixes.Info(name)
}

// target resolves the engine of p and merges the descriptor's variables
// under the prefix's own.
func (s *Service) target(p *prefix.Prefix, a *manifest.App) (app.Target, error) {
	eng, err := s.Engines.Get(p.Engine)
	if err != nil {
		return app.Target{}, fmt.Errorf("prefix %s: %w", p.Name, err)
	}
	env := make(map[string]string)
	if a != nil {
		for k, v := range a.Env.Base {
			env[k] = v
		}
		if a.Engine.Ref != "" {
			if v, err := release.ParseVersion(a.Engine.Ref); err == nil && v.String() != eng.Version {
				s.logger.Warn("application expects another engine", "app", a.ID, "expected", v.String(), "prefix_engine", eng.Version)
			}
		}
	}
	for k, v := range p.Env {
		env[k] = v
	}
	return app.Target{RuntimeDir: eng.RuntimeDir(), PrefixDir: p.Path, Env: env}, nil
}
