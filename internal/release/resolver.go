// Package release lists engine releases from a remote feed and selects one
// under a version policy.
package release

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/blang/semver"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/logging"
)

// Candidate describes one installable release. It is never persisted.
type Candidate struct {
	Version      semver.Version
	Tag          string // tag as published, e.g. "GE-Proton10-26"
	URL          string // archive download URL
	AssetName    string
	Size         int64
	Digest       string // "sha256:<hex>" or bare hex, empty when unpublished
	ChecksumURL  string // checksum listing covering the asset, if any
	SignatureURL string // detached OpenPGP signature, if any
	RuntimeRoot  string // directory holding the runner inside the archive, discovered when empty
	Published    time.Time
	Prerelease   bool
}

// String returns the release tag, falling back to the version.
func (c Candidate) String() string {
	if c.Tag != "" {
		return c.Tag
	}
	return c.Version.String()
}

// Source yields candidates newest first.
type Source interface {
	Releases(ctx context.Context) iter.Seq2[Candidate, error]
}

// Static is a fixed list of candidates, used for engine descriptor files
// and tests.
type Static []Candidate

// Releases yields the list in order.
func (s Static) Releases(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		for _, c := range s {
			if err := ctx.Err(); err != nil {
				yield(Candidate{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// PolicyKind selects how a version is chosen.
type PolicyKind int

const (
	PolicyLatest PolicyKind = iota
	PolicyPinned
	PolicyAtLeast
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyLatest:
		return "latest"
	case PolicyPinned:
		return "pinned"
	case PolicyAtLeast:
		return "at_least"
	default:
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
}

// Policy is a version selection rule.
type Policy struct {
	Kind    PolicyKind
	Version semver.Version // for Pinned and AtLeast

	// IncludePrerelease lets Latest and AtLeast pick pre-releases.
	// Pinned always matches the exact version.
	IncludePrerelease bool
}

// Latest selects the newest release in feed order.
func Latest() Policy { return Policy{Kind: PolicyLatest} }

// Pinned selects exactly v.
func Pinned(v semver.Version) Policy { return Policy{Kind: PolicyPinned, Version: v} }

// AtLeast selects the highest version not below v.
func AtLeast(v semver.Version) Policy { return Policy{Kind: PolicyAtLeast, Version: v} }

// ParsePolicy builds a policy from its configuration form.
func ParsePolicy(kind, version string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "latest":
		return Latest(), nil
	case "pinned", "pin":
		if version == "" {
			return Policy{}, fmt.Errorf("pinned policy requires a version")
		}
		v, err := ParseVersion(version)
		if err != nil {
			return Policy{}, err
		}
		return Pinned(v), nil
	case "at_least", "at-least", "atleast":
		if version == "" {
			return Policy{}, fmt.Errorf("at_least policy requires a version")
		}
		v, err := ParseVersion(version)
		if err != nil {
			return Policy{}, err
		}
		return AtLeast(v), nil
	default:
		return Policy{}, fmt.Errorf("unknown version policy %q", kind)
	}
}

// String describes the policy for messages.
func (p Policy) String() string {
	switch p.Kind {
	case PolicyPinned:
		return p.Version.String()
	case PolicyAtLeast:
		return ">=" + p.Version.String()
	default:
		return "latest"
	}
}

// Resolver selects candidates from a source.
type Resolver struct {
	source Source
	logger logging.Logger
}

// NewResolver creates a resolver over source.
func NewResolver(source Source, logger logging.Logger) *Resolver {
	return &Resolver{source: source, logger: logging.OrNop(logger)}
}

// List collects up to limit candidates (all when limit <= 0).
func (r *Resolver) List(ctx context.Context, limit int) ([]Candidate, error) {
	var out []Candidate
	for c, err := range r.source.Releases(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Resolve selects one candidate under policy.
//
// The feed lists releases newest first. Latest takes the first acceptable
// entry and stops reading, so a back-ported point release published after
// a higher version still wins. Pinned stops at the first exact match.
// AtLeast reads the feed to the end and picks the highest version by
// semantic ordering; on equal versions the earlier entry wins.
func (r *Resolver) Resolve(ctx context.Context, policy Policy) (*Candidate, error) {
	var best *Candidate

	for c, err := range r.source.Releases(ctx) {
		if err != nil {
			return nil, err
		}

		switch policy.Kind {
		case PolicyPinned:
			if c.Version.Equals(policy.Version) {
				r.logger.Debug("resolved pinned release", "tag", c.Tag)
				return &c, nil
			}
			continue

		case PolicyAtLeast:
			if c.Version.LT(policy.Version) {
				continue
			}
		}

		if c.Prerelease && !policy.IncludePrerelease {
			r.logger.Debug("skipping pre-release", "tag", c.Tag)
			continue
		}
		if policy.Kind == PolicyLatest {
			r.logger.Debug("resolved release", "policy", policy.String(), "tag", c.Tag)
			return &c, nil
		}
		if best == nil || c.Version.GT(best.Version) {
			cand := c
			best = &cand
		}
	}

	if best == nil {
		return nil, errs.NotFound(errs.KindRelease, policy.String())
	}
	r.logger.Debug("resolved release", "policy", policy.String(), "tag", best.Tag)
	return best, nil
}
