// Package update reconciles installed engines against the release feed.
package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/release"
	"github.com/elm-linux/elm/internal/snapshot"
)

// Outcome classifies a check.
type Outcome int

const (
	UpToDate Outcome = iota
	UpdateAvailable
	CheckFailed
)

func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up-to-date"
	case UpdateAvailable:
		return "update-available"
	case CheckFailed:
		return "check-failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// CheckResult is the outcome of CheckForUpdate.
type CheckResult struct {
	Outcome Outcome
	// Current is the highest installed version, empty when none is.
	Current string
	// Candidate is the release the policy selects. Set unless the check
	// failed.
	Candidate *release.Candidate
	// Reason describes a failed check.
	Reason string
	Err    error
}

// Resolver selects a release under a policy.
type Resolver interface {
	Resolve(ctx context.Context, policy release.Policy) (*release.Candidate, error)
}

// Engines is the part of the engine store updates use.
type Engines interface {
	Current() (*engine.Engine, error)
	Install(ctx context.Context, c release.Candidate) (*engine.InstallResult, error)
}

// Prefixes lists the prefixes to back up.
type Prefixes interface {
	List() []*prefix.Prefix
}

// Snapshots takes pre-update backups.
type Snapshots interface {
	Snapshot(ctx context.Context, prefixName, snapshotName string) (*snapshot.Snapshot, error)
}

// Config holds configuration for the orchestrator
type Config struct {
	Resolver  Resolver
	Engines   Engines
	Prefixes  Prefixes
	Snapshots Snapshots
	Policy    release.Policy
	Logger    logging.Logger
	Now       func() time.Time
}

// Orchestrator drives update checks and installs.
type Orchestrator struct {
	cfg    Config
	logger logging.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Resolver == nil || cfg.Engines == nil {
		return nil, fmt.Errorf("resolver and engine store are required")
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}, nil
}

// CheckForUpdate resolves the policy's release and compares it with the
// highest installed version. Failures, including an unreachable feed, are
// reported in the result rather than returned.
func (o *Orchestrator) CheckForUpdate(ctx context.Context) *CheckResult {
	res := &CheckResult{}

	current, err := o.cfg.Engines.Current()
	switch {
	case err == nil:
		res.Current = current.Version
	case !errs.IsNotFound(err):
		return failed(res, "read installed engines", err)
	}

	cand, err := o.cfg.Resolver.Resolve(ctx, o.cfg.Policy)
	if err != nil {
		var netErr *errs.NetworkError
		switch {
		case errors.As(err, &netErr):
			return failed(res, "release feed unreachable", err)
		case errs.IsNotFound(err):
			return failed(res, "no release matches policy "+o.cfg.Policy.String(), err)
		default:
			return failed(res, "resolve release", err)
		}
	}
	res.Candidate = cand

	if current != nil {
		v, err := release.ParseVersion(current.Version)
		if err != nil {
			return failed(res, "read installed engines", err)
		}
		if !cand.Version.GT(v) {
			res.Outcome = UpToDate
			o.logger.Debug("engine up to date", "current", res.Current, "latest", cand.Version.String())
			return res
		}
	}
	res.Outcome = UpdateAvailable
	o.logger.Info("engine update available", "current", res.Current, "candidate", cand.Tag)
	return res
}

func failed(res *CheckResult, reason string, err error) *CheckResult {
	res.Outcome = CheckFailed
	res.Reason = reason
	res.Err = err
	return res
}

// InstallRequest configures InstallUpdate.
type InstallRequest struct {
	// Backup snapshots every prefix before installing.
	Backup bool
}

// InstallResult describes what InstallUpdate did.
type InstallResult struct {
	Check *CheckResult
	// Engine is set when a version was installed.
	Engine *engine.Engine
	// Backups maps prefix names to the snapshot taken of them.
	Backups map[string]string
	// BackupErrors maps prefix names to why their backup failed.
	BackupErrors map[string]error
	// Unbound lists prefixes still bound to another version. Prefixes are
	// never rebound automatically.
	Unbound []string
}

// InstallUpdate checks for an update and installs it when one is
// available. A failed check is reported in the result with a nil error;
// an install failure is returned.
func (o *Orchestrator) InstallUpdate(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	// 1. Check
	res := &InstallResult{Check: o.CheckForUpdate(ctx)}
	if res.Check.Outcome != UpdateAvailable {
		return res, nil
	}
	cand := *res.Check.Candidate

	// 2. Back up prefixes; a failed backup does not stop the update
	if req.Backup {
		o.backup(ctx, res)
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	// 3. Install
	installed, err := o.cfg.Engines.Install(ctx, cand)
	if err != nil {
		return res, fmt.Errorf("install update %s: %w", cand.Tag, err)
	}
	res.Engine = installed.Engine

	// 4. Report prefixes left on other versions
	if o.cfg.Prefixes != nil {
		for _, p := range o.cfg.Prefixes.List() {
			if p.Engine != installed.Engine.Version {
				res.Unbound = append(res.Unbound, p.Name)
			}
		}
	}
	return res, nil
}

func (o *Orchestrator) backup(ctx context.Context, res *InstallResult) {
	if o.cfg.Prefixes == nil || o.cfg.Snapshots == nil {
		return
	}
	stamp := o.cfg.Now().Unix()
	for _, p := range o.cfg.Prefixes.List() {
		if ctx.Err() != nil {
			return
		}
		name := BackupName(p.Name, stamp)
		if _, err := o.cfg.Snapshots.Snapshot(ctx, p.Name, name); err != nil {
			o.logger.Warn("pre-update backup failed", "prefix", p.Name, "error", err)
			if res.BackupErrors == nil {
				res.BackupErrors = make(map[string]error)
			}
			res.BackupErrors[p.Name] = err
			continue
		}
		if res.Backups == nil {
			res.Backups = make(map[string]string)
		}
		res.Backups[p.Name] = name
	}
}

// BackupName is the snapshot name used for a pre-update backup.
func BackupName(prefixName string, unix int64) string {
	return fmt.Sprintf("%s-pre-update-%d", prefixName, unix)
}
