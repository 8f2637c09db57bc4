package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/elm-linux/elm/internal/errs"
)

// ErrInsufficientSpace is wrapped by CheckFreeSpace failures.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// SpaceProbe reports free bytes on the filesystem holding a path.
type SpaceProbe interface {
	Free(ctx context.Context, path string) (uint64, error)
}

// DiskProbe queries the filesystem with gopsutil.
type DiskProbe struct{}

// Free returns the bytes available to unprivileged users on the filesystem
// holding path. A path that does not exist yet is resolved to its nearest
// existing ancestor.
func (DiskProbe) Free(ctx context.Context, path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("query disk usage for %s: %w", dir, err)
	}
	return usage.Free, nil
}

// CheckFreeSpace fails with an IOError when fewer than need bytes are free
// at path. Probe errors are returned as is so callers can choose to ignore
// them.
func CheckFreeSpace(ctx context.Context, probe SpaceProbe, path string, need uint64) error {
	if need == 0 {
		return nil
	}
	free, err := probe.Free(ctx, path)
	if err != nil {
		return err
	}
	if free < need {
		return errs.IO("reserve space", path,
			fmt.Errorf("%w: need %d bytes, %d available: %w", ErrInsufficientSpace, need, free, syscall.ENOSPC))
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}
