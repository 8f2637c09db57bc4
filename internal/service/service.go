// Package service wires the engine, prefix and snapshot stores together
// from configuration and implements the operations that span them.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/elm-linux/elm/internal/app"
	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/bootstrap"
	"github.com/elm-linux/elm/internal/config"
	"github.com/elm-linux/elm/internal/download"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/platform"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/release"
	"github.com/elm-linux/elm/internal/snapshot"
	"github.com/elm-linux/elm/internal/update"
)

// UserAgent identifies elm to the release feed and download hosts.
var UserAgent = "elm/dev"

// Options override the collaborators Open would otherwise build from
// configuration.
type Options struct {
	Logger logging.Logger
	Clock  Clock

	// Proton configures how the engine's runner is started for prefix
	// bootstrap, application installers and launches.
	Proton bootstrap.Proton
	// Bootstrapper defaults to running wineboot through Proton.
	Bootstrapper bootstrap.Bootstrapper
	// Source defaults to the configured GitHub release feed.
	Source     release.Source
	HTTPClient *http.Client
	// SpaceProbe defaults to statfs through gopsutil.
	SpaceProbe platform.SpaceProbe
	Progress   download.ProgressFunc

	// Insecure accepts releases without a published digest.
	Insecure bool
}

// Service holds the stores for one data directory.
type Service struct {
	Paths     config.Paths
	Engines   *engine.Store
	Prefixes  *prefix.Store
	Snapshots *snapshot.Manager
	Resolver  *release.Resolver
	Updates   *update.Orchestrator
	Apps      *app.Runner

	cfg    *config.Config
	logger logging.Logger
	clock  Clock
}

// Open builds the stores for cfg and recovers operations interrupted by a
// previous crash.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	logger := logging.OrNop(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	// 1. Lay out the data directory
	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	// 2. Network collaborators
	dlOpts := []download.Option{download.WithLogger(logger), download.WithUserAgent(UserAgent)}
	if opts.HTTPClient != nil {
		dlOpts = append(dlOpts, download.WithClient(opts.HTTPClient))
	}
	if opts.Progress != nil {
		dlOpts = append(dlOpts, download.WithProgress(opts.Progress))
	}
	fetcher := download.New(dlOpts...)

	source := opts.Source
	if source == nil {
		feed, err := release.NewFeed(release.FeedConfig{
			URL:           cfg.Feed.URL,
			AssetPattern:  cfg.Feed.Asset,
			ChecksumAsset: cfg.Feed.ChecksumAsset,
			Token:         os.Getenv(cfg.Feed.TokenEnv),
			PerPage:       cfg.Feed.PerPage,
			HTTPClient:    opts.HTTPClient,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("configure release feed: %w", err)
		}
		source = feed
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	// 3. Stores
	var signatures *integrity.SignatureVerifier
	if cfg.Engine.Keyring != "" {
		keyring, err := config.ExpandHome(cfg.Engine.Keyring)
		if err != nil {
			return nil, err
		}
		signatures = integrity.NewSignatureVerifier(keyring)
	}
	probe := opts.SpaceProbe
	if probe == nil {
		probe = platform.DiskProbe{}
	}
	codec := archive.NewCodec(logger)
	bootstrapper := opts.Bootstrapper
	if bootstrapper == nil {
		bootstrapper = opts.Proton
	}

	engines, err := engine.NewStore(engine.Config{
		Root:            paths.Engines,
		Downloads:       paths.Downloads,
		Locks:           paths.Locks,
		Journal:         paths.Journal,
		Fetcher:         fetcher,
		Extractor:       codec,
		Signatures:      signatures,
		SpaceProbe:      probe,
		AllowUnverified: cfg.Engine.AllowUnverified || opts.Insecure,
		Logger:          logger,
		Now:             clock.Now,
	})
	if err != nil {
		return nil, err
	}
	prefixes, err := prefix.NewStore(prefix.Config{
		Root:         paths.Prefixes,
		Locks:        paths.Locks,
		Journal:      paths.Journal,
		Engines:      engines,
		Bootstrapper: bootstrapper,
		Copier:       codec,
		DefaultEnv:   cfg.Prefix.Env,
		Logger:       logger,
		Now:          clock.Now,
	})
	if err != nil {
		return nil, err
	}
	engines.SetReferrers(prefixes)

	snapshots, err := snapshot.NewManager(snapshot.Config{
		Root:     paths.Snapshots,
		Journal:  paths.Journal,
		Prefixes: prefixes,
		Codec:    codec,
		Logger:   logger,
		Now:      clock.Now,
	})
	if err != nil {
		return nil, err
	}

	resolver := release.NewResolver(source, logger)
	updates, err := update.New(update.Config{
		Resolver:  resolver,
		Engines:   engines,
		Prefixes:  prefixes,
		Snapshots: snapshots,
		Policy:    policy,
		Logger:    logger,
		Now:       clock.Now,
	})
	if err != nil {
		return nil, err
	}

	apps := app.New(app.Config{
		Proton:  opts.Proton,
		Fetcher: fetcher,
		Cache:   paths.Installers,
		Logger:  logger,
	})

	s := &Service{
		Paths:     paths,
		Engines:   engines,
		Prefixes:  prefixes,
		Snapshots: snapshots,
		Resolver:  resolver,
		Updates:   updates,
		Apps:      apps,
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
	}

	// 4. Finish or undo whatever a crash interrupted
	if err := s.Recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Recover runs crash recovery for every store. Rollbacks go first since
// they restore prefix roots the other stores may look at.
func (s *Service) Recover(ctx context.Context) error {
	steps := []struct {
		name string
		run  func(context.Context) ([]string, error)
	}{
		{"rollback", s.Snapshots.Recover},
		{"prefix", s.Prefixes.Recover},
		{"engine", s.Engines.Recover},
	}
	for _, step := range steps {
		recovered, err := step.run(ctx)
		if err != nil {
			return fmt.Errorf("recover interrupted %s operations: %w", step.name, err)
		}
		if len(recovered) > 0 {
			s.logger.Warn("recovered interrupted operations", "kind", step.name, "targets", recovered)
		}
	}
	return nil
}

// DeletePrefix deletes a prefix and, when purge is set, every snapshot
// taken of it. It returns the deleted snapshot names.
func (s *Service) DeletePrefix(ctx context.Context, name string, purge bool) ([]string, error) {
	if err := s.Prefixes.Delete(ctx, name); err != nil {
		return nil, err
	}
	if !purge {
		return nil, nil
	}
	deleted, err := s.Snapshots.DeleteForPrefix(name)
	if err != nil {
		return deleted, fmt.Errorf("delete snapshots of prefix %s: %w", name, err)
	}
	return deleted, nil
}

// SnapshotName is the name given to a snapshot of prefixName taken now
// when none is chosen: <prefix>-<YYYYMMDD-HHMMSS> in local time.
func (s *Service) SnapshotName(prefixName string) string {
	return prefixName + "-" + s.clock.Now().Local().Format("20060102-150405")
}
