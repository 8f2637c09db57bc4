package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

// writeArchive builds an archive from raw entries so tests can produce
// hostile input that Create would never emit.
func writeArchive(t *testing.T, path string, format Format, entries []tarEntry) {
	t.Helper()

	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		h := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     mode,
			Size:     int64(len(e.body)),
		}
		if e.typeflag != tar.TypeReg {
			h.Size = 0
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("write header %s: %v", e.name, err)
		}
		if h.Size > 0 {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	switch format {
	case FormatZstd:
		enc, err := zstd.NewWriter(&out)
		if err != nil {
			t.Fatal(err)
		}
		enc.Write(raw.Bytes())
		enc.Close()
	case FormatGzip:
		gz := gzip.NewWriter(&out)
		gz.Write(raw.Bytes())
		gz.Close()
	default:
		out.Write(raw.Bytes())
	}

	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

// buildTree creates a representative prefix-like tree.
func buildTree(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"drive_c/windows/system.reg":        "REGEDIT4\n",
		"drive_c/users/steamuser/notes.txt": "hello",
		"drive_c/Program Files/app/app.exe": strings.Repeat("MZ", 4096),
		"user.reg":                          "user",
	}
	for name, body := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "dosdevices"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../drive_c", filepath.Join(root, "dosdevices", "c:")); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(root, "user.reg"), filepath.Join(root, "user-hardlink.reg")); err != nil {
		t.Fatal(err)
	}
}

// treeListing returns "path|kind|content" lines for a tree.
func treeListing(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, _ := os.Readlink(path)
			out = append(out, rel+"|link|"+target)
		case info.IsDir():
			out = append(out, rel+"|dir|")
		default:
			data, _ := os.ReadFile(path)
			out = append(out, rel+"|file|"+string(data))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(out)
	return out
}

func TestCreateExtractRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildTree(t, src)

	codec := NewCodec(nil)
	archivePath := filepath.Join(dir, "snap"+Extension)
	stats, err := codec.Create(ctx, src, archivePath)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if stats.Entries == 0 || stats.Bytes == 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	dst := filepath.Join(dir, "dst")
	if err := codec.Extract(ctx, archivePath, dst); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	want := treeListing(t, src)
	got := treeListing(t, dst)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("tree mismatch\n got: %v\nwant: %v", got, want)
	}

	// Hard links survive as hard links
	a, _ := os.Stat(filepath.Join(dst, "user.reg"))
	b, _ := os.Stat(filepath.Join(dst, "user-hardlink.reg"))
	if !os.SameFile(a, b) {
		t.Error("hard link was not preserved")
	}
}

func TestCreateIsLexicallyOrdered(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	for _, name := range []string{"b/2", "a/1", "c", "a/0"} {
		p := filepath.Join(src, name)
		os.MkdirAll(filepath.Dir(p), 0755)
		if err := os.WriteFile(p, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if _, err := NewCodec(nil).Write(ctx, src, &buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	var names []string
	tr := tar.NewReader(dec)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, h.Name)
	}

	want := []string{"a/", "a/0", "a/1", "b/", "b/2", "c"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("entry order = %v, want %v", names, want)
	}
}

func TestCreateSkipsExternalSymlinks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.MkdirAll(filepath.Join(src, "dosdevices"), 0755)
	os.Symlink("/", filepath.Join(src, "dosdevices", "z:"))
	os.Symlink("../../outside", filepath.Join(src, "dosdevices", "up"))
	os.WriteFile(filepath.Join(src, "keep"), []byte("x"), 0644)

	archivePath := filepath.Join(dir, "a"+Extension)
	stats, err := NewCodec(nil).Create(ctx, src, archivePath)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(stats.Skipped) != 2 {
		t.Errorf("Skipped = %v, want 2 entries", stats.Skipped)
	}

	dst := filepath.Join(dir, "dst")
	if err := NewCodec(nil).Extract(ctx, archivePath, dst); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dst, "dosdevices", "z:")); !os.IsNotExist(err) {
		t.Error("external symlink should have been skipped")
	}
}

func TestCreateRefusesExistingArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.MkdirAll(src, 0755)
	existing := filepath.Join(dir, "a"+Extension)
	os.WriteFile(existing, []byte("keep me"), 0644)

	_, err := NewCodec(nil).Create(context.Background(), src, existing)
	var ae *ArchiveError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ArchiveError, got %v", err)
	}
	data, _ := os.ReadFile(existing)
	if string(data) != "keep me" {
		t.Error("existing archive was modified")
	}
}

func TestCreateAbortsOnPermissionError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	locked := filepath.Join(src, "locked")
	os.MkdirAll(locked, 0755)
	os.WriteFile(filepath.Join(locked, "secret"), []byte("x"), 0644)
	if err := os.Chmod(locked, 0000); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(locked, 0755)

	archivePath := filepath.Join(dir, "a"+Extension)
	_, err := NewCodec(nil).Create(context.Background(), src, archivePath)
	var ae *ArchiveError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ArchiveError, got %v", err)
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Errorf("expected permission error cause, got %v", err)
	}
	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Error("partial archive should have been removed")
	}
}

func TestExtractRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
		reason  string
	}{
		{
			name:    "parent_traversal",
			entries: []tarEntry{{name: "ok.txt", typeflag: tar.TypeReg, body: "fine"}, {name: "../../etc/passwd", typeflag: tar.TypeReg, body: "root::0:0"}},
			reason:  "path traversal",
		},
		{
			name:    "inner_traversal",
			entries: []tarEntry{{name: "a/../b", typeflag: tar.TypeReg, body: "x"}},
			reason:  "path traversal",
		},
		{
			name:    "absolute",
			entries: []tarEntry{{name: "/etc/passwd", typeflag: tar.TypeReg, body: "x"}},
			reason:  "absolute path",
		},
		{
			name:    "char_device",
			entries: []tarEntry{{name: "null", typeflag: tar.TypeChar}},
			reason:  "unsupported entry type",
		},
		{
			name:    "fifo",
			entries: []tarEntry{{name: "pipe", typeflag: tar.TypeFifo}},
			reason:  "unsupported entry type",
		},
		{
			name:    "absolute_symlink",
			entries: []tarEntry{{name: "root", typeflag: tar.TypeSymlink, linkname: "/"}},
			reason:  "absolute symlink target",
		},
		{
			name:    "escaping_symlink",
			entries: []tarEntry{{name: "sub/up", typeflag: tar.TypeSymlink, linkname: "../../x"}},
			reason:  "symlink target escapes",
		},
		{
			name: "write_through_symlink",
			entries: []tarEntry{
				{name: "sub/", typeflag: tar.TypeDir, mode: 0755},
				{name: "link", typeflag: tar.TypeSymlink, linkname: "sub"},
				{name: "link/file", typeflag: tar.TypeReg, body: "x"},
			},
			reason: "traverses a symlink",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, "bad"+Extension)
			writeArchive(t, archivePath, FormatZstd, tt.entries)

			dst := filepath.Join(dir, "dst")
			err := NewCodec(nil).Extract(context.Background(), archivePath, dst)

			var ae *ArchiveError
			if !errors.As(err, &ae) {
				t.Fatalf("expected ArchiveError, got %v", err)
			}
			if !strings.Contains(ae.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to contain %q", ae.Reason, tt.reason)
			}
			if _, err := os.Stat(dst); !os.IsNotExist(err) {
				t.Error("destination created by Extract should be removed on failure")
			}
			if _, err := os.Stat(filepath.Join(dir, "..", "etc", "passwd")); err == nil {
				t.Error("traversal entry escaped destination")
			}
		})
	}
}

func TestExtractRequiresEmptyDestination(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a.tar")
	writeArchive(t, archivePath, FormatTar, []tarEntry{{name: "f", typeflag: tar.TypeReg, body: "x"}})

	dst := filepath.Join(dir, "dst")
	os.MkdirAll(dst, 0755)
	os.WriteFile(filepath.Join(dst, "existing"), []byte("keep"), 0644)

	err := NewCodec(nil).Extract(context.Background(), archivePath, dst)
	if !errors.Is(err, ErrDestinationNotEmpty) {
		t.Fatalf("expected ErrDestinationNotEmpty, got %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "existing"))
	if err != nil || string(data) != "keep" {
		t.Error("existing destination content was touched")
	}
}

func TestExtractEmptiesPreexistingDirectoryOnFailure(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a.tar")
	writeArchive(t, archivePath, FormatTar, []tarEntry{
		{name: "good", typeflag: tar.TypeReg, body: "x"},
		{name: "../bad", typeflag: tar.TypeReg, body: "x"},
	})

	dst := filepath.Join(dir, "dst")
	os.MkdirAll(dst, 0755)

	if err := NewCodec(nil).Extract(context.Background(), archivePath, dst); err == nil {
		t.Fatal("expected error")
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatalf("pre-existing destination should survive: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("destination should be empty, has %d entries", len(entries))
	}
}

func TestExtractFormats(t *testing.T) {
	for _, format := range []Format{FormatTar, FormatGzip, FormatZstd} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, "engine")
			writeArchive(t, archivePath, format, []tarEntry{
				{name: "GE-Proton10-26/", typeflag: tar.TypeDir, mode: 0755},
				{name: "GE-Proton10-26/proton", typeflag: tar.TypeReg, body: "#!/usr/bin/env python3\n", mode: 0755},
				{name: "GE-Proton10-26/files/lib", typeflag: tar.TypeSymlink, linkname: "../proton"},
			})

			dst := filepath.Join(dir, "dist")
			if err := NewCodec(nil).Extract(context.Background(), archivePath, dst); err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			info, err := os.Stat(filepath.Join(dst, "GE-Proton10-26", "proton"))
			if err != nil {
				t.Fatalf("runner missing: %v", err)
			}
			if info.Mode().Perm()&0100 == 0 {
				t.Error("executable bit lost")
			}
		})
	}
}

func TestExtractCorruptInput(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T, dir string) []byte
	}{
		{"empty_file", func(t *testing.T, dir string) []byte { return nil }},
		{"garbage", func(t *testing.T, dir string) []byte { return bytes.Repeat([]byte("not a tar"), 200) }},
		{"truncated_zstd", func(t *testing.T, dir string) []byte {
			p := filepath.Join(dir, "full")
			writeArchive(t, p, FormatZstd, []tarEntry{{name: "big", typeflag: tar.TypeReg, body: strings.Repeat("abcdefgh", 8192)}})
			data, _ := os.ReadFile(p)
			return data[:len(data)/2]
		}},
		{"truncated_tar", func(t *testing.T, dir string) []byte {
			p := filepath.Join(dir, "full")
			writeArchive(t, p, FormatTar, []tarEntry{{name: "big", typeflag: tar.TypeReg, body: strings.Repeat("x", 4096)}})
			data, _ := os.ReadFile(p)
			return data[:1024]
		}},
		{"tar_cut_at_entry_boundary", func(t *testing.T, dir string) []byte {
			p := filepath.Join(dir, "full")
			writeArchive(t, p, FormatTar, []tarEntry{
				{name: "a", typeflag: tar.TypeReg, body: "first"},
				{name: "b", typeflag: tar.TypeReg, body: "second"},
			})
			data, _ := os.ReadFile(p)
			// header and one data block per entry, then the end marker
			return data[:2*512]
		}},
		{"tar_missing_one_end_block", func(t *testing.T, dir string) []byte {
			p := filepath.Join(dir, "full")
			writeArchive(t, p, FormatTar, []tarEntry{{name: "a", typeflag: tar.TypeReg, body: "first"}})
			data, _ := os.ReadFile(p)
			return data[:len(data)-512]
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, "a"+Extension)
			if err := os.WriteFile(archivePath, tt.data(t, dir), 0644); err != nil {
				t.Fatal(err)
			}
			dst := filepath.Join(dir, "dst")
			err := NewCodec(nil).Extract(context.Background(), archivePath, dst)
			var ae *ArchiveError
			if !errors.As(err, &ae) {
				t.Fatalf("expected ArchiveError, got %v", err)
			}
			if _, err := os.Stat(dst); !os.IsNotExist(err) {
				t.Error("destination should not exist after failure")
			}
		})
	}
}

func TestExtractPlainTarEndMarker(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "full.tar")
	writeArchive(t, p, FormatTar, []tarEntry{
		{name: "a", typeflag: tar.TypeReg, body: strings.Repeat("x", 700)},
		{name: "d/", typeflag: tar.TypeDir, mode: 0755},
	})
	data, _ := os.ReadFile(p)

	t.Run("record padding after the marker is accepted", func(t *testing.T) {
		padded := filepath.Join(dir, "padded.tar")
		os.WriteFile(padded, append(append([]byte{}, data...), make([]byte, 8192)...), 0644)
		if err := NewCodec(nil).Extract(context.Background(), padded, filepath.Join(dir, "padded")); err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		got, _ := os.ReadFile(filepath.Join(dir, "padded", "a"))
		if len(got) != 700 {
			t.Errorf("a has %d bytes, want 700", len(got))
		}
	})

	t.Run("stream cut before the marker is rejected", func(t *testing.T) {
		// a: header plus two data blocks; d/: header only
		cut := data[:4*512]
		err := NewCodec(nil).ExtractReader(context.Background(), bytes.NewReader(cut), "cut.tar", filepath.Join(dir, "cut"))
		var ae *ArchiveError
		if !errors.As(err, &ae) || !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("expected truncated ArchiveError, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "cut")); !os.IsNotExist(err) {
			t.Error("partial tree left behind")
		}
	})
}

func TestExtractHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a.tar")
	writeArchive(t, archivePath, FormatTar, []tarEntry{{name: "f", typeflag: tar.TypeReg, body: "x"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := filepath.Join(dir, "dst")
	err := NewCodec(nil).Extract(ctx, archivePath, dst)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination should not exist after cancellation")
	}
}

func TestCopyPreservesTree(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildTree(t, src)
	// Clones keep links that snapshots would skip
	os.Symlink("/", filepath.Join(src, "dosdevices", "z:"))

	dst := filepath.Join(dir, "clone")
	if err := NewCodec(nil).Copy(context.Background(), src, dst); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	if got, want := treeListing(t, dst), treeListing(t, src); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("clone mismatch\n got: %v\nwant: %v", got, want)
	}

	if err := NewCodec(nil).Copy(context.Background(), src, dst); err == nil {
		t.Error("Copy onto existing destination should fail")
	}
}

func TestCopyMissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "clone")
	if err := NewCodec(nil).Copy(context.Background(), filepath.Join(dir, "missing"), dst); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination should not exist after failed copy")
	}
}

func TestTreeSize(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "a", "b"), 0755)
	os.WriteFile(filepath.Join(root, "a", "one"), make([]byte, 100), 0644)
	os.WriteFile(filepath.Join(root, "a", "b", "two"), make([]byte, 23), 0644)
	os.Symlink("a/one", filepath.Join(root, "link"))

	got, err := TreeSize(root)
	if err != nil {
		t.Fatal(err)
	}
	if got != 123 {
		t.Errorf("TreeSize = %d, want 123", got)
	}

	if got, err := TreeSize(filepath.Join(root, "absent")); err != nil || got != 0 {
		t.Errorf("missing root: %d, %v", got, err)
	}
}
