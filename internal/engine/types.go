package engine

import (
	"path/filepath"
	"time"
)

// Status is the install state of one engine version.
type Status string

const (
	StatusAbsent      Status = "absent"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusInstalled   Status = "installed"
	StatusCorrupt     Status = "corrupt"
)

// VerificationMethod indicates how an installed archive was checked.
type VerificationMethod int

const (
	// VerificationNone means no digest was published and the computed
	// digest was recorded on first use.
	VerificationNone VerificationMethod = iota
	// VerificationSHA256 means the archive matched a published digest.
	VerificationSHA256
	// VerificationGPG means the digest matched and a detached signature
	// verified against the configured keyring.
	VerificationGPG
)

// String returns the string representation of the verification method
func (v VerificationMethod) String() string {
	switch v {
	case VerificationGPG:
		return "gpg"
	case VerificationSHA256:
		return "sha256"
	case VerificationNone:
		return "trust-on-first-use"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v VerificationMethod) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VerificationMethod) UnmarshalText(b []byte) error {
	switch string(b) {
	case "gpg":
		*v = VerificationGPG
	case "sha256":
		*v = VerificationSHA256
	default:
		*v = VerificationNone
	}
	return nil
}

// Engine is the metadata record of an installed engine version, stored as
// engine.json beside its dist/ tree.
type Engine struct {
	Version     string             `json:"version"` // canonical semver, also the directory name
	Tag         string             `json:"tag,omitempty"`
	SourceURL   string             `json:"source_url"`
	AssetName   string             `json:"asset_name,omitempty"`
	Digest      string             `json:"sha256"` // digest of the archive that produced dist/
	Verified    VerificationMethod `json:"verified"`
	ArchiveSize int64              `json:"archive_size"`
	RuntimeRoot string             `json:"runtime_root"` // relative to dist/, holds the runner
	Prerelease  bool               `json:"prerelease,omitempty"`
	InstalledAt time.Time          `json:"installed_at"`

	// Path is the version directory. It is derived, not stored.
	Path string `json:"-"`
}

// DistDir returns the extracted archive tree.
func (e *Engine) DistDir() string {
	return filepath.Join(e.Path, distDirName)
}

// RuntimeDir returns the directory holding the runner.
func (e *Engine) RuntimeDir() string {
	if e.RuntimeRoot == "" || e.RuntimeRoot == "." {
		return e.DistDir()
	}
	return filepath.Join(e.DistDir(), e.RuntimeRoot)
}

// GCOptions controls GC.
type GCOptions struct {
	Keep      int  // newest installed versions kept regardless of use
	DryRun    bool // report without removing
	Downloads bool // also clear the download cache
}

// Removal is one item removed (or that would be removed) by GC.
type Removal struct {
	Path    string
	Version string // set for engine directories
	Bytes   int64
}

// GCReport summarizes a GC run.
type GCReport struct {
	Engines   []Removal
	Leftovers []Removal // staging trees, incomplete versions, partial downloads
	Downloads []Removal
	Kept      []string
	Protected []string // versions kept because a prefix references them
	DryRun    bool
}

// Freed returns the bytes removed, or that would be removed in a dry run.
func (r *GCReport) Freed() int64 {
	var n int64
	for _, list := range [][]Removal{r.Engines, r.Leftovers, r.Downloads} {
		for _, rm := range list {
			n += rm.Bytes
		}
	}
	return n
}
