package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// ErrDestinationNotEmpty is returned when extracting into a non-empty directory.
var ErrDestinationNotEmpty = errors.New("destination directory is not empty")

type extractOptions struct {
	// allowExternalLinks permits symlinks pointing outside the destination.
	// Only used for trusted streams produced by Copy.
	allowExternalLinks bool
}

// Extract unpacks archivePath into destDir, which must be empty or absent.
// The archive may be plain tar, gzip or zstd compressed; the format is
// detected from its magic bytes.
//
// On failure destDir is returned to the state it was in before the call:
// removed if Extract created it, emptied otherwise.
func (c *Codec) Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &ArchiveError{Archive: archivePath, Reason: "open archive", Err: err}
	}
	defer f.Close()

	return c.extract(ctx, f, archivePath, destDir, extractOptions{})
}

// ExtractReader is Extract for an already opened stream. name is used in errors.
func (c *Codec) ExtractReader(ctx context.Context, r io.Reader, name, destDir string) error {
	return c.extract(ctx, r, name, destDir, extractOptions{})
}

func (c *Codec) extract(ctx context.Context, r io.Reader, name, destDir string, opts extractOptions) (err error) {
	root, created, err := prepareDestination(destDir)
	if err != nil {
		return &ArchiveError{Archive: name, Reason: "prepare destination " + destDir, Err: err}
	}
	defer func() {
		if err != nil {
			discard(root, created)
		}
	}()

	counted := &countingReader{r: r}
	src, format, closeDecoder, err := decompressor(counted)
	if err != nil {
		return &ArchiveError{Archive: name, Reason: "corrupt archive", Err: err}
	}
	defer closeDecoder()

	x := &extractor{root: root, name: name, opts: opts}
	// consumed counts the tar stream itself, after decompression
	consumed := &countingReader{r: src}
	tr := tar.NewReader(consumed)
	var entryEnd int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break // End of archive
		}
		if err != nil {
			return &ArchiveError{Archive: name, Reason: "read tar header", Err: err}
		}

		if err := x.entry(header, tr); err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return x.fail(header.Name, "read entry data", err)
		}
		entryEnd = consumed.n
	}

	if counted.n == 0 {
		return &ArchiveError{Archive: name, Reason: "empty archive"}
	}
	// tar.Reader also reports EOF when the stream stops at an entry
	// boundary. Compressed streams detect that truncation themselves; a
	// plain tar is complete only if its two zero blocks were read after
	// the last entry's padding.
	if format == FormatTar && consumed.n-entryEnd < 2*tarBlockSize {
		return &ArchiveError{Archive: name, Reason: "truncated archive", Err: io.ErrUnexpectedEOF}
	}

	return x.finish()
}

// prepareDestination creates destDir if needed and checks that it is empty.
// It returns the symlink-free absolute path of the directory.
func prepareDestination(destDir string) (string, bool, error) {
	abs, err := filepath.Abs(destDir)
	if err != nil {
		return "", false, err
	}

	created := false
	info, err := os.Lstat(abs)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", false, err
		}
		created = true
	case err != nil:
		return "", false, err
	case !info.IsDir():
		return "", false, fmt.Errorf("%s is not a directory", abs)
	default:
		entries, err := os.ReadDir(abs)
		if err != nil {
			return "", false, err
		}
		if len(entries) > 0 {
			return "", false, ErrDestinationNotEmpty
		}
	}

	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if created {
			os.RemoveAll(abs)
		}
		return "", false, err
	}
	return root, created, nil
}

// discard undoes a failed extraction.
func discard(root string, created bool) {
	if created {
		os.RemoveAll(root)
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(root, e.Name()))
	}
}

type dirMeta struct {
	path    string
	mode    os.FileMode
	modTime time.Time
}

type extractor struct {
	root string
	name string
	opts extractOptions
	dirs []dirMeta
}

func (x *extractor) fail(entry, reason string, err error) error {
	return &ArchiveError{Archive: x.name, Entry: entry, Reason: reason, Err: err}
}

// cleanName validates an entry name and returns it as a relative OS path.
// Absolute names and any ".." component are rejected.
func (x *extractor) cleanName(name string) (string, error) {
	if name == "" {
		return "", x.fail(name, "empty entry name", nil)
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", x.fail(name, "absolute path", nil)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", x.fail(name, "path traversal", nil)
		}
	}
	return filepath.Clean(filepath.FromSlash(name)), nil
}

// checkParent rejects entries whose parent directory resolves through a
// symlink. Archives produced by tar never write below a symlink, so any such
// entry is treated as an escape attempt.
func (x *extractor) checkParent(entry, rel string) error {
	parent := filepath.Dir(rel)
	if parent == "." {
		return nil
	}

	lexical := filepath.Join(x.root, parent)
	resolved, err := securejoin.SecureJoin(x.root, parent)
	if err != nil {
		return x.fail(entry, "resolve parent directory", err)
	}
	if resolved != lexical {
		return x.fail(entry, "path traverses a symlink", nil)
	}
	return nil
}

// checkLinkTarget rejects symlink targets that are absolute or leave the tree.
func (x *extractor) checkLinkTarget(entry, rel, target string) error {
	if x.opts.allowExternalLinks {
		return nil
	}
	if filepath.IsAbs(target) {
		return x.fail(entry, "absolute symlink target "+target, nil)
	}
	resolved := filepath.Join(filepath.Dir(rel), target)
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return x.fail(entry, "symlink target escapes destination: "+target, nil)
	}
	return nil
}

func (x *extractor) entry(header *tar.Header, body io.Reader) error {
	// PAX global headers carry no file
	if header.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}

	rel, err := x.cleanName(header.Name)
	if err != nil {
		return err
	}
	if err := x.checkParent(header.Name, rel); err != nil {
		return err
	}

	target := filepath.Join(x.root, rel)
	mode := os.FileMode(header.Mode).Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		if rel == "." {
			x.dirs = append(x.dirs, dirMeta{path: x.root, mode: mode, modTime: header.ModTime})
			return nil
		}
		if info, err := os.Lstat(target); err == nil && !info.IsDir() {
			return x.fail(header.Name, "directory conflicts with existing entry", nil)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return x.fail(header.Name, "create directory", err)
		}
		x.dirs = append(x.dirs, dirMeta{path: target, mode: mode, modTime: header.ModTime})

	case tar.TypeReg:
		if err := x.prepareLeaf(header.Name, target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return x.fail(header.Name, "create file", err)
		}
		if _, err := io.Copy(out, body); err != nil {
			out.Close()
			return x.fail(header.Name, "write file", err)
		}
		if err := out.Close(); err != nil {
			return x.fail(header.Name, "close file", err)
		}
		if err := os.Chmod(target, mode); err != nil {
			return x.fail(header.Name, "set mode", err)
		}
		if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
			return x.fail(header.Name, "set times", err)
		}

	case tar.TypeSymlink:
		if err := x.checkLinkTarget(header.Name, rel, header.Linkname); err != nil {
			return err
		}
		if err := x.prepareLeaf(header.Name, target); err != nil {
			return err
		}
		if err := os.Symlink(header.Linkname, target); err != nil {
			return x.fail(header.Name, "create symlink", err)
		}

	case tar.TypeLink:
		linkRel, err := x.cleanName(header.Linkname)
		if err != nil {
			return err
		}
		if err := x.checkParent(header.Linkname, linkRel); err != nil {
			return err
		}
		if err := x.prepareLeaf(header.Name, target); err != nil {
			return err
		}
		if err := os.Link(filepath.Join(x.root, linkRel), target); err != nil {
			return x.fail(header.Name, "create hard link", err)
		}

	default:
		// Device nodes, fifos, sparse and unknown types are never extracted
		return x.fail(header.Name, fmt.Sprintf("unsupported entry type %q", header.Typeflag), nil)
	}

	return nil
}

// prepareLeaf creates the parent directory of a non-directory entry and
// removes a previous non-directory entry at the same path.
func (x *extractor) prepareLeaf(entry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return x.fail(entry, "create parent directory", err)
	}
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return x.fail(entry, "stat existing entry", err)
	}
	if info.IsDir() {
		return x.fail(entry, "entry conflicts with existing directory", nil)
	}
	if err := os.Remove(target); err != nil {
		return x.fail(entry, "replace existing entry", err)
	}
	return nil
}

// finish applies directory modes and times, deepest first.
func (x *extractor) finish() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		d := x.dirs[i]
		if err := os.Chmod(d.path, d.mode|0700); err != nil {
			return x.fail(d.path, "set directory mode", err)
		}
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return x.fail(d.path, "set directory times", err)
		}
	}
	return nil
}

// tarBlockSize is the tar record block; an archive ends with two zero blocks.
const tarBlockSize = 512

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
