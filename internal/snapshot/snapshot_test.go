package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/bootstrap"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/testutil"
	"github.com/elm-linux/elm/internal/transaction"
)

type engineTable map[string]*engine.Engine

func (e engineTable) Get(version string) (*engine.Engine, error) {
	if eng, ok := e[version]; ok {
		return eng, nil
	}
	return nil, errs.NotFound(errs.KindEngine, version)
}

// failingCodec writes part of the tree before failing, like an extraction
// that hits a corrupt entry halfway through.
type failingCodec struct {
	*archive.Codec
	err    error
	before func()
}

func (c *failingCodec) Extract(ctx context.Context, archivePath, destDir string) error {
	if c.before != nil {
		c.before()
	}
	os.MkdirAll(filepath.Join(destDir, "pfx", "drive_c"), 0755)
	os.WriteFile(filepath.Join(destDir, "pfx", "half-written"), []byte("partial"), 0644)
	return c.err
}

type fixture struct {
	mgr      *Manager
	prefixes *prefix.Store
	journal  string
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	journal := filepath.Join(root, "journal")
	locks := filepath.Join(root, "locks")
	eng := &engine.Engine{Version: "10.26.0", Path: filepath.Join(root, "engines", "10.26.0")}
	if err := os.MkdirAll(eng.RuntimeDir(), 0755); err != nil {
		t.Fatal(err)
	}

	prefixes, err := prefix.NewStore(prefix.Config{
		Root:    filepath.Join(root, "prefixes"),
		Locks:   locks,
		Journal: journal,
		Engines: engineTable{"10.26.0": eng},
		Bootstrapper: bootstrap.Func(func(ctx context.Context, req bootstrap.Request) error {
			return os.MkdirAll(filepath.Join(req.PrefixDir, "pfx", "drive_c"), 0755)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewManager(Config{
		Root:     filepath.Join(root, "snapshots"),
		Journal:  journal,
		Prefixes: prefixes,
		Now:      func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{mgr: mgr, prefixes: prefixes, journal: journal, root: root}
}

// newPrefix creates a prefix with a representative tree.
func (f *fixture) newPrefix(t *testing.T, name string) *prefix.Prefix {
	t.Helper()
	p, err := f.prefixes.Create(context.Background(), prefix.CreateRequest{Name: name, Engine: "10.26.0"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.WriteTree(t, p.Path, map[string]string{
		"pfx/system.reg":                "WINE REGISTRY Version 2",
		"pfx/drive_c/game/save/slot1":   "level 3",
		"pfx/drive_c/game/bin/game.exe": "MZ",
		"pfx/drive_c/users/steamuser/":  "",
		"pfx/dosdevices/c:":             "->../drive_c",
		"tracked_files":                 "pfx/system.reg\n",
	})
	os.Chmod(filepath.Join(p.Path, "pfx/drive_c/game/bin/game.exe"), 0755)
	return p
}

// assertClean checks that no swap leftovers or journal records remain.
func (f *fixture) assertClean(t *testing.T) {
	t.Helper()
	entries, _ := os.ReadDir(f.prefixes.Root())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), AsidePrefix) {
			t.Errorf("aside tree left behind: %s", e.Name())
		}
	}
	txns, _, _ := transaction.List(f.journal)
	if len(txns) != 0 {
		t.Errorf("journal records left behind: %d", len(txns))
	}
}

func mutate(t *testing.T, root string) {
	t.Helper()
	os.WriteFile(filepath.Join(root, "pfx/drive_c/game/save/slot1"), []byte("level 9"), 0644)
	os.Remove(filepath.Join(root, "pfx/system.reg"))
	os.RemoveAll(filepath.Join(root, "pfx/drive_c/users"))
	os.Chmod(filepath.Join(root, "pfx/drive_c/game/bin/game.exe"), 0644)
	testutil.WriteTree(t, root, map[string]string{"pfx/drive_c/mods/patch.dll": "MZ patched"})
}

func TestSnapshotAndRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.newPrefix(t, "default")
	before := testutil.Snapshot(t, p.Path)

	snap, err := f.mgr.Snapshot(ctx, "default", "pre-patch")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Path != filepath.Join(f.root, "snapshots", "pre-patch.tar.zst") {
		t.Errorf("archive path = %s", snap.Path)
	}
	if digest, _ := integrity.FileDigest(snap.Path); digest != snap.SHA256 {
		t.Errorf("recorded digest %s, file digest %s", snap.SHA256, digest)
	}
	if fi, err := os.Stat(snap.Path); err != nil {
		t.Fatal(err)
	} else if fi.Mode().Perm() != 0o444 {
		t.Errorf("published archive mode = %v, want read-only", fi.Mode().Perm())
	}
	archived, _ := os.ReadFile(snap.Path)

	mutate(t, p.Path)

	res, err := f.mgr.Rollback(ctx, "pre-patch", "default")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !res.Verified {
		t.Error("rollback should verify the recorded digest")
	}
	if err := testutil.EqualTrees(before, testutil.Snapshot(t, p.Path)); err != nil {
		t.Errorf("tree not restored: %v", err)
	}
	f.assertClean(t)

	after, _ := os.ReadFile(snap.Path)
	if !bytes.Equal(archived, after) {
		t.Error("rollback modified the snapshot archive")
	}
	if info, err := f.prefixes.Info("default"); err != nil || info.Engine != "10.26.0" {
		t.Errorf("prefix metadata changed: %+v, %v", info, err)
	}
}

func TestSnapshotErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newPrefix(t, "default")

	t.Run("duplicate name", func(t *testing.T) {
		first, err := f.mgr.Snapshot(ctx, "default", "pre-patch")
		if err != nil {
			t.Fatal(err)
		}
		_, err = f.mgr.Snapshot(ctx, "default", "pre-patch")
		if !errs.IsAlreadyExists(err) {
			t.Fatalf("expected AlreadyExistsError, got %v", err)
		}
		again, _ := f.mgr.Get("pre-patch")
		if again.SHA256 != first.SHA256 {
			t.Error("existing snapshot was replaced")
		}
		if left, _ := f.mgr.Leftovers(ctx); len(left) != 0 {
			t.Errorf("temporary archives left: %v", left)
		}
	})

	t.Run("missing prefix", func(t *testing.T) {
		if _, err := f.mgr.Snapshot(ctx, "absent", "x"); !errs.IsNotFound(err) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})

	t.Run("bad name", func(t *testing.T) {
		for _, name := range []string{"", "../up", "a/b", ".hidden", "x.tar.zst"} {
			if _, err := f.mgr.Snapshot(ctx, "default", name); err == nil {
				t.Errorf("Snapshot(%q) should fail", name)
			}
		}
	})

	t.Run("prefix locked", func(t *testing.T) {
		lock, err := f.prefixes.Lock(ctx, "default", "rollback")
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Release()
		if _, err := f.mgr.Snapshot(ctx, "default", "locked"); !errors.Is(err, errs.ErrLocked) {
			t.Errorf("expected ErrLocked, got %v", err)
		}
	})
}

func TestRollbackFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing snapshot or prefix", func(t *testing.T) {
		f := newFixture(t)
		f.newPrefix(t, "default")
		f.mgr.Snapshot(ctx, "default", "good")

		if _, err := f.mgr.Rollback(ctx, "absent", "default"); !errs.IsNotFound(err) {
			t.Errorf("expected NotFoundError for snapshot, got %v", err)
		}
		if _, err := f.mgr.Rollback(ctx, "good", "absent"); !errs.IsNotFound(err) {
			t.Errorf("expected NotFoundError for prefix, got %v", err)
		}
	})

	t.Run("path traversal entry leaves the prefix untouched", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		before := testutil.Snapshot(t, p.Path)

		evil := filepath.Join(t.TempDir(), "evil.tar.zst")
		writeTarZst(t, evil, map[string]string{
			"pfx/ok.txt":       "fine",
			"../../etc/passwd": "root::0:0::/root:/bin/sh",
		})

		_, err := f.mgr.Rollback(ctx, evil, "default")
		var archiveErr *archive.ArchiveError
		if !errors.As(err, &archiveErr) {
			t.Fatalf("expected ArchiveError, got %v", err)
		}
		if err := testutil.EqualTrees(before, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("prefix modified: %v", err)
		}
		if _, err := os.Stat(filepath.Join(f.root, "etc", "passwd")); !os.IsNotExist(err) {
			t.Error("entry written outside the prefix")
		}
		f.assertClean(t)
	})

	t.Run("corrupted archive is refused before the swap", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		snap, _ := f.mgr.Snapshot(ctx, "default", "snap")
		mutate(t, p.Path)
		mutated := testutil.Snapshot(t, p.Path)

		data, _ := os.ReadFile(snap.Path)
		data[len(data)/2] ^= 0xff
		os.Chmod(snap.Path, 0o644)
		os.WriteFile(snap.Path, data, 0644)

		_, err := f.mgr.Rollback(ctx, "snap", "default")
		var integrityErr *integrity.IntegrityError
		if !errors.As(err, &integrityErr) {
			t.Fatalf("expected IntegrityError, got %v", err)
		}
		if err := testutil.EqualTrees(mutated, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("prefix modified: %v", err)
		}
		f.assertClean(t)
	})

	t.Run("extraction failure restores the original root", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		f.mgr.Snapshot(ctx, "default", "snap")
		mutate(t, p.Path)
		mutated := testutil.Snapshot(t, p.Path)

		f.mgr.cfg.Codec = &failingCodec{Codec: archive.NewCodec(nil), err: errors.New("unexpected EOF")}
		if _, err := f.mgr.Rollback(ctx, "snap", "default"); err == nil {
			t.Fatal("expected error")
		}
		if err := testutil.EqualTrees(mutated, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("original root not restored: %v", err)
		}
		f.assertClean(t)
	})

	t.Run("cancellation restores the original root", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		f.mgr.Snapshot(ctx, "default", "snap")
		before := testutil.Snapshot(t, p.Path)

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		f.mgr.cfg.Codec = &failingCodec{Codec: archive.NewCodec(nil), before: cancel}

		if _, err := f.mgr.Rollback(cctx, "snap", "default"); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if err := testutil.EqualTrees(before, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("original root not restored: %v", err)
		}
		f.assertClean(t)
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("restores a root moved aside before a crash", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		before := testutil.Snapshot(t, p.Path)

		txn := transaction.New(transaction.OperationRollback, "default", p.Path)
		txn.Aside = filepath.Join(f.prefixes.Root(), AsidePrefix+"default-crash")
		txn.Advance(f.journal, transaction.StateInProgress, nil)
		os.Rename(p.Path, txn.Aside)
		testutil.WriteTree(t, p.Path, map[string]string{"pfx/partial": "x"})

		recovered, err := f.mgr.Recover(ctx)
		if err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if len(recovered) != 1 {
			t.Errorf("recovered = %v", recovered)
		}
		if err := testutil.EqualTrees(before, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("root not restored: %v", err)
		}
		f.assertClean(t)
	})

	t.Run("finishes a rollback that completed extraction", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		restored := testutil.Snapshot(t, p.Path)

		txn := transaction.New(transaction.OperationRollback, "default", p.Path)
		txn.Aside = filepath.Join(f.prefixes.Root(), AsidePrefix+"default-old")
		testutil.WriteTree(t, txn.Aside, map[string]string{"pfx/old": "x"})
		txn.Advance(f.journal, transaction.StateCompleted, nil)

		if _, err := f.mgr.Recover(ctx); err != nil {
			t.Fatal(err)
		}
		if err := testutil.EqualTrees(restored, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("completed rollback undone: %v", err)
		}
		f.assertClean(t)
	})

	t.Run("leaves the root alone when it was never moved", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPrefix(t, "default")
		before := testutil.Snapshot(t, p.Path)

		txn := transaction.New(transaction.OperationRollback, "default", p.Path)
		txn.Aside = filepath.Join(f.prefixes.Root(), AsidePrefix+"default-never")
		txn.Advance(f.journal, transaction.StateInProgress, nil)

		if _, err := f.mgr.Recover(ctx); err != nil {
			t.Fatal(err)
		}
		if err := testutil.EqualTrees(before, testutil.Snapshot(t, p.Path)); err != nil {
			t.Errorf("root modified: %v", err)
		}
		f.assertClean(t)
	})
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newPrefix(t, "main")
	f.newPrefix(t, "work")

	for _, s := range []struct{ prefix, name string }{
		{"main", "main-1"}, {"work", "work-1"}, {"main", "main-2"},
	} {
		if _, err := f.mgr.Snapshot(ctx, s.prefix, s.name); err != nil {
			t.Fatal(err)
		}
	}

	all, err := f.mgr.List("")
	if err != nil || len(all) != 3 {
		t.Fatalf("List = %v, %v", all, err)
	}
	mains, _ := f.mgr.List("main")
	if len(mains) != 2 || mains[0].Name != "main-1" || mains[1].Name != "main-2" {
		t.Errorf("List(main) = %+v", mains)
	}

	byPath, err := f.mgr.Resolve(f.mgr.Path("work-1"))
	if err != nil || byPath.Prefix != "work" {
		t.Errorf("Resolve by path = %+v, %v", byPath, err)
	}

	deleted, err := f.mgr.DeleteForPrefix("main")
	if err != nil || len(deleted) != 2 {
		t.Errorf("DeleteForPrefix = %v, %v", deleted, err)
	}
	if err := f.mgr.Delete("main-1"); !errs.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	rest, _ := f.mgr.List("")
	if len(rest) != 1 || rest[0].Name != "work-1" {
		t.Errorf("remaining = %+v", rest)
	}
}

func TestLeftovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newPrefix(t, "busy")

	stale := filepath.Join(f.mgr.cfg.Root, tmpName("0000", "gone"))
	running := filepath.Join(f.mgr.cfg.Root, tmpName("1111", "busy"))
	os.WriteFile(stale, []byte("x"), 0644)
	os.WriteFile(running, []byte("x"), 0644)

	lock, err := f.prefixes.Lock(ctx, "busy", "snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	left, err := f.mgr.Leftovers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0] != stale {
		t.Errorf("Leftovers = %v", left)
	}
}

func writeTarZst(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	enc, _ := zstd.NewWriter(&buf)
	tw := tar.NewWriter(enc)
	for name, body := range files {
		tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
	}
	tw.Close()
	enc.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}
