package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Stats summarizes a written archive.
type Stats struct {
	Entries int
	Bytes   int64    // uncompressed file content
	Skipped []string // entries left out, relative to the source root
}

type walkOptions struct {
	// keepExternalLinks stores symlinks pointing outside the tree instead
	// of skipping them.
	keepExternalLinks bool
}

// Create archives sourceDir into a new zstd-compressed file at archivePath.
// archivePath must not exist. On failure the partial file is removed.
func (c *Codec) Create(ctx context.Context, sourceDir, archivePath string) (*Stats, error) {
	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &ArchiveError{Archive: archivePath, Reason: "create archive file", Err: err}
	}

	// Track whether we need to clean up the partial archive
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			f.Close()
			os.Remove(archivePath)
		}
	}()

	stats, err := c.Write(ctx, sourceDir, f)
	if err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, &ArchiveError{Archive: archivePath, Reason: "sync archive", Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &ArchiveError{Archive: archivePath, Reason: "close archive", Err: err}
	}

	cleanupNeeded = false
	return stats, nil
}

// Write streams a zstd-compressed tar of sourceDir to w.
func (c *Codec) Write(ctx context.Context, sourceDir string, w io.Writer) (*Stats, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(EncoderLevel))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	stats, err := c.writeTar(ctx, sourceDir, enc, walkOptions{})
	if err != nil {
		enc.Close()
		return nil, err
	}

	if err := enc.Close(); err != nil {
		return nil, &ArchiveError{Archive: sourceDir, Reason: "finish zstd stream", Err: err}
	}
	return stats, nil
}

// writeTar walks root in lexical order and writes an uncompressed tar to w.
// Entries are relative to root; the root itself is not recorded.
func (c *Codec) writeTar(ctx context.Context, sourceDir string, w io.Writer, opts walkOptions) (*Stats, error) {
	root, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, &ArchiveError{Archive: sourceDir, Reason: "resolve source", Err: err}
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, &ArchiveError{Archive: sourceDir, Reason: "stat source", Err: err}
	}
	if !info.IsDir() {
		return nil, &ArchiveError{Archive: sourceDir, Reason: "source is not a directory"}
	}

	tw := tar.NewWriter(w)
	stats := &Stats{}
	seen := make(map[fileID]string)

	// WalkDir visits entries in lexical order, which keeps archives deterministic
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if err != nil {
			// Permission denied and friends abort the whole archive
			return &ArchiveError{Archive: sourceDir, Entry: rel, Reason: "read entry", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return &ArchiveError{Archive: sourceDir, Entry: rel, Reason: "stat entry", Err: err}
		}

		name := filepath.ToSlash(rel)
		var link string

		switch mode := fi.Mode(); {
		case mode.IsDir():
			name += "/"

		case mode&fs.ModeSymlink != 0:
			link, err = os.Readlink(path)
			if err != nil {
				return &ArchiveError{Archive: sourceDir, Entry: rel, Reason: "read symlink", Err: err}
			}
			if !opts.keepExternalLinks && !linkInside(rel, link) {
				c.logger.Warn("skipping symlink pointing outside the tree", "entry", rel, "target", link)
				stats.Skipped = append(stats.Skipped, rel)
				return nil
			}

		case mode.IsRegular():

		default:
			c.logger.Warn("skipping special file", "entry", rel, "mode", mode.String())
			stats.Skipped = append(stats.Skipped, rel)
			return nil
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return &ArchiveError{Archive: sourceDir, Entry: rel, Reason: "build header", Err: err}
		}
		header.Name = name
		header.Format = tar.FormatPAX
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}

		if header.Typeflag == tar.TypeReg {
			if id, ok := hardLinkID(fi); ok {
				if first, dup := seen[id]; dup {
					header.Typeflag = tar.TypeLink
					header.Linkname = first
					header.Size = 0
				} else {
					seen[id] = name
				}
			}
		}

		if err := tw.WriteHeader(header); err != nil {
			return &ArchiveError{Archive: sourceDir, Entry: rel, Reason: "write header", Err: err}
		}

		if header.Typeflag == tar.TypeReg {
			n, err := copyFile(tw, path)
			if err != nil {
				return &ArchiveError{Archive: sourceDir, Entry: rel, Reason: "write file", Err: err}
			}
			stats.Bytes += n
		}

		stats.Entries++
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if err := tw.Close(); err != nil {
		return nil, &ArchiveError{Archive: sourceDir, Reason: "finish tar stream", Err: err}
	}
	return stats, nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// linkInside reports whether a symlink at rel with the given target stays in the tree.
func linkInside(rel, target string) bool {
	if filepath.IsAbs(target) {
		return false
	}
	resolved := filepath.Join(filepath.Dir(rel), target)
	return resolved != ".." && !strings.HasPrefix(resolved, ".."+string(filepath.Separator))
}
