package service

import (
	"context"
	"strings"

	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/manifest"
	"github.com/elm-linux/elm/internal/release"
)

// InstallRequest selects the engine to install.
type InstallRequest struct {
	// Version is an exact version or tag, "latest", or empty for the
	// configured policy.
	Version string
	// Manifest installs from a local engine descriptor instead of the feed.
	Manifest string
}

// ResolvePolicy converts a command line version argument into a policy.
func (s *Service) ResolvePolicy(version string) (release.Policy, error) {
	switch strings.TrimSpace(version) {
	case "":
		return s.cfg.Policy()
	case "latest":
		p := release.Latest()
		p.IncludePrerelease = s.cfg.Engine.IncludePrerelease
		return p, nil
	}
	v, err := release.ParseVersion(version)
	if err != nil {
		return release.Policy{}, err
	}
	return release.Pinned(v), nil
}

// Install resolves and installs an engine.
func (s *Service) Install(ctx context.Context, req InstallRequest) (*engine.InstallResult, error) {
	var candidate *release.Candidate
	if req.Manifest != "" {
		m, err := manifest.Load(req.Manifest)
		if err != nil {
			return nil, err
		}
		c, err := m.Candidate()
		if err != nil {
			return nil, err
		}
		candidate = &c
	} else {
		policy, err := s.ResolvePolicy(req.Version)
		if err != nil {
			return nil, err
		}
		if candidate, err = s.Resolver.Resolve(ctx, policy); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("installing engine", "candidate", candidate.String())
	return s.Engines.Install(ctx, *candidate)
}
