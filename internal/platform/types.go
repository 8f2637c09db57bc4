// Package platform detects the host the engines run on and exposes it to
// the Lua configuration as a read-only table.
//
// Proton builds are published for x86_64 Linux only; Supported reports
// when the host cannot run them. Distribution details come from gopsutil
// and fall back to empty values when detection fails.
package platform

import (
	"context"
	"fmt"
)

// Linux distribution family constants.
const (
	FamilyDebian  = "debian"  // Debian, Ubuntu, Linux Mint, Pop!_OS
	FamilyRHEL    = "rhel"    // RHEL, CentOS, Rocky Linux, AlmaLinux
	FamilyFedora  = "fedora"  // Fedora, Nobara, Bazzite
	FamilySUSE    = "suse"    // openSUSE, SLES
	FamilyArch    = "arch"    // Arch Linux, Manjaro, EndeavourOS, SteamOS 3
	FamilyGentoo  = "gentoo"  // Gentoo
	FamilyUnknown = "unknown" // Unrecognized distributions
)

// Info contains platform detection information.
type Info struct {
	OS       string // "linux", "darwin", "windows"
	Arch     string // normalized: "amd64", "arm64", or GOARCH as is
	ArchRaw  string // original GOARCH
	Platform string // distro ID (Linux only, e.g. "steamos", "fedora")
	Family   string // canonical family
	Version  string // distro version
	Kernel   string // kernel release, when known
}

// IsLinux returns true if the platform is Linux.
func (i *Info) IsLinux() bool {
	return i.OS == "linux"
}

// IsAMD64 returns true if the architecture is amd64.
func (i *Info) IsAMD64() bool {
	return i.Arch == "amd64"
}

// IsSteamOS returns true on the Steam Deck's operating system.
func (i *Info) IsSteamOS() bool {
	return i.OS == "linux" && i.Platform == "steamos"
}

// Supported returns an error when Proton builds cannot run on this host.
func (i *Info) Supported() error {
	if !i.IsLinux() {
		return fmt.Errorf("unsupported operating system %s: engines run on Linux only", i.OS)
	}
	if !i.IsAMD64() {
		return fmt.Errorf("unsupported architecture %s: engines are built for x86_64 only", i.ArchRaw)
	}
	return nil
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector returning fixed information.
type Static struct {
	Info *Info
}

// Detect returns the fixed info.
func (s Static) Detect(ctx context.Context) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info := *s.Info
	return &info, nil
}
