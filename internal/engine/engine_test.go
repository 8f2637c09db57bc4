package engine

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

	"github.com/klauspost/compress/gzip"

	"github.com/elm-linux/elm/internal/archive"
	"github.com/elm-linux/elm/internal/download"
	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/release"
	"github.com/elm-linux/elm/internal/testutil"
	"github.com/elm-linux/elm/internal/transaction"
)

type staticRefs map[string][]string

func (r staticRefs) EngineReferences(context.Context) (map[string][]string, error) {
	return r, nil
}

type extractFunc func(ctx context.Context, archivePath, destDir string) error

func (f extractFunc) Extract(ctx context.Context, archivePath, destDir string) error {
	return f(ctx, archivePath, destDir)
}

type fixture struct {
	store *Store
	srv   *testutil.AssetServer
	cfg   Config
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	srv := testutil.NewAssetServer(t)
	cfg := Config{
		Root:      filepath.Join(root, "engines"),
		Downloads: filepath.Join(root, "downloads"),
		Locks:     filepath.Join(root, "locks"),
		Journal:   filepath.Join(root, "journal"),
		Fetcher:   download.New(download.WithRetries(0), download.WithClient(srv.Client())),
		Now:       func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return &fixture{store: store, srv: srv, cfg: cfg}
}

// publish serves an engine archive for tag and returns a candidate with
// its digest.
func (f *fixture) publish(t *testing.T, tag string) release.Candidate {
	t.Helper()
	data := testutil.EngineArchive(t, tag)
	asset := tag + ".tar.gz"
	return release.Candidate{
		Version:   release.MustParseVersion(tag),
		Tag:       tag,
		URL:       f.srv.Add("/dl/"+asset, data),
		AssetName: asset,
		Size:      int64(len(data)),
		Digest:    "sha256:" + testutil.SHA256(data),
	}
}

func (f *fixture) assertClean(t *testing.T, version string) {
	t.Helper()
	if version != "" {
		if _, err := os.Lstat(filepath.Join(f.cfg.Root, version)); !os.IsNotExist(err) {
			t.Errorf("version directory %s should not exist", version)
		}
	}
	entries, _ := os.ReadDir(f.cfg.Root)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			t.Errorf("staging tree left behind: %s", e.Name())
		}
	}
	txns, _, _ := transaction.List(f.cfg.Journal)
	if len(txns) != 0 {
		t.Errorf("journal records left behind: %d", len(txns))
	}
}

func TestInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("installs a verified release", func(t *testing.T) {
		f := newFixture(t, nil)
		c := f.publish(t, "GE-Proton9-20")

		res, err := f.store.Install(ctx, c)
		if err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		e := res.Engine
		if res.AlreadyInstalled || e.Version != "9.20.0" || e.Verified != VerificationSHA256 {
			t.Errorf("unexpected result: %+v", res)
		}
		if e.RuntimeRoot != "GE-Proton9-20" {
			t.Errorf("RuntimeRoot = %q", e.RuntimeRoot)
		}
		if _, err := os.Stat(filepath.Join(e.RuntimeDir(), "proton")); err != nil {
			t.Errorf("runner missing: %v", err)
		}
		if f.store.Status("GE-Proton9-20") != StatusInstalled {
			t.Errorf("Status = %s", f.store.Status("9.20.0"))
		}

		// The recorded digest is the digest of the archive that produced the tree
		cached := filepath.Join(f.cfg.Downloads, "9.20.0", c.AssetName)
		if _, err := integrity.VerifyFile(cached, e.Digest); err != nil {
			t.Errorf("recorded digest does not match source archive: %v", err)
		}
		f.assertClean(t, "")
	})

	t.Run("second install does not fetch again", func(t *testing.T) {
		f := newFixture(t, nil)
		c := f.publish(t, "GE-Proton9-20")

		if _, err := f.store.Install(ctx, c); err != nil {
			t.Fatal(err)
		}
		res, err := f.store.Install(ctx, c)
		if err != nil {
			t.Fatalf("second Install failed: %v", err)
		}
		if !res.AlreadyInstalled {
			t.Error("second Install should report AlreadyInstalled")
		}
		if hits := f.srv.Hits("/dl/GE-Proton9-20.tar.gz"); hits != 1 {
			t.Errorf("archive fetched %d times, want 1", hits)
		}
		if len(f.store.List()) != 1 {
			t.Errorf("List = %d versions, want 1", len(f.store.List()))
		}
	})

	t.Run("index is rebuilt from disk", func(t *testing.T) {
		f := newFixture(t, nil)
		if _, err := f.store.Install(ctx, f.publish(t, "GE-Proton9-20")); err != nil {
			t.Fatal(err)
		}
		reopened, err := NewStore(f.cfg)
		if err != nil {
			t.Fatal(err)
		}
		e, err := reopened.Get("9.20.0")
		if err != nil {
			t.Fatalf("Get after reopen: %v", err)
		}
		if e.Tag != "GE-Proton9-20" || e.Path != filepath.Join(f.cfg.Root, "9.20.0") {
			t.Errorf("unexpected engine: %+v", e)
		}
	})

	t.Run("digest mismatch leaves version absent", func(t *testing.T) {
		f := newFixture(t, nil)
		c := f.publish(t, "GE-Proton9-20")
		c.Digest = strings.Repeat("0", 64)

		_, err := f.store.Install(ctx, c)
		var ie *integrity.IntegrityError
		if !errors.As(err, &ie) {
			t.Fatalf("expected IntegrityError, got %v", err)
		}
		if !strings.Contains(err.Error(), "9.20.0") {
			t.Errorf("error should name the version: %v", err)
		}
		if f.store.Status("9.20.0") != StatusCorrupt {
			t.Errorf("Status = %s, want corrupt", f.store.Status("9.20.0"))
		}
		if _, err := os.Stat(filepath.Join(f.cfg.Downloads, "9.20.0", c.AssetName)); !os.IsNotExist(err) {
			t.Error("rejected archive should be discarded")
		}
		f.assertClean(t, "9.20.0")
	})

	t.Run("missing digest is refused by default", func(t *testing.T) {
		f := newFixture(t, nil)
		c := f.publish(t, "GE-Proton9-20")
		c.Digest = ""

		_, err := f.store.Install(ctx, c)
		if !errors.Is(err, integrity.ErrDigestUnavailable) {
			t.Fatalf("expected ErrDigestUnavailable, got %v", err)
		}
		if f.srv.Hits("/dl/GE-Proton9-20.tar.gz") != 0 {
			t.Error("archive should not be fetched without a digest")
		}
	})

	t.Run("missing digest trusted on first use when allowed", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.AllowUnverified = true })
		c := f.publish(t, "GE-Proton9-20")
		c.Digest = ""

		res, err := f.store.Install(ctx, c)
		if err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if res.Engine.Verified != VerificationNone || !integrity.Valid(res.Engine.Digest) {
			t.Errorf("unexpected engine: %+v", res.Engine)
		}
	})

	t.Run("digest from checksum listing", func(t *testing.T) {
		f := newFixture(t, nil)
		c := f.publish(t, "GE-Proton9-20")
		sum := strings.TrimPrefix(c.Digest, "sha256:")
		c.Digest = ""
		c.ChecksumURL = f.srv.Add("/dl/sha256sum.txt", []byte(sum+"  GE-Proton9-20.tar.gz\n"))

		res, err := f.store.Install(ctx, c)
		if err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if res.Engine.Digest != sum {
			t.Errorf("Digest = %s, want %s", res.Engine.Digest, sum)
		}
	})

	t.Run("extraction failure removes staging", func(t *testing.T) {
		f := newFixture(t, func(c *Config) {
			c.Extractor = extractFunc(func(_ context.Context, _, dest string) error {
				os.MkdirAll(filepath.Join(dest, "half"), 0755)
				os.WriteFile(filepath.Join(dest, "half", "file"), []byte("x"), 0644)
				return errors.New("disk went away")
			})
		})
		_, err := f.store.Install(ctx, f.publish(t, "GE-Proton9-20"))
		if err == nil {
			t.Fatal("expected error")
		}
		if f.store.Status("9.20.0") != StatusAbsent {
			t.Errorf("Status = %s, want absent", f.store.Status("9.20.0"))
		}
		f.assertClean(t, "9.20.0")
	})

	t.Run("cancellation takes the failure path", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		f := newFixture(t, func(c *Config) {
			c.Extractor = extractFunc(func(ctx context.Context, _, dest string) error {
				os.MkdirAll(dest, 0755)
				cancel()
				return ctx.Err()
			})
		})
		_, err := f.store.Install(cctx, f.publish(t, "GE-Proton9-20"))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		f.assertClean(t, "9.20.0")
	})

	t.Run("unsafe archive is rejected", func(t *testing.T) {
		f := newFixture(t, nil)
		data := evilArchive(t)
		c := release.Candidate{
			Version:   release.MustParseVersion("10.1"),
			URL:       f.srv.Add("/dl/evil.tar.gz", data),
			AssetName: "evil.tar.gz",
			Digest:    testutil.SHA256(data),
		}
		_, err := f.store.Install(ctx, c)
		var ae *archive.ArchiveError
		if !errors.As(err, &ae) {
			t.Fatalf("expected ArchiveError, got %v", err)
		}
		f.assertClean(t, "10.1.0")
	})

	t.Run("lock held by another invocation", func(t *testing.T) {
		f := newFixture(t, nil)
		lock, err := transaction.AcquireLock(ctx, f.cfg.Locks, LockKind, "9.20.0", "install")
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Release()

		if _, err := f.store.Install(ctx, f.publish(t, "GE-Proton9-20")); !errors.Is(err, errs.ErrLocked) {
			t.Errorf("expected ErrLocked, got %v", err)
		}
	})

	t.Run("versions sharing an asset name", func(t *testing.T) {
		for _, verified := range []bool{true, false} {
			f := newFixture(t, func(c *Config) { c.AllowUnverified = !verified })
			var candidates []release.Candidate
			for _, tag := range []string{"GE-Proton9-20", "GE-Proton10-3"} {
				data := testutil.EngineArchive(t, tag)
				c := release.Candidate{
					Version:   release.MustParseVersion(tag),
					Tag:       tag,
					URL:       f.srv.Add("/"+tag+"/proton.tar.gz", data),
					AssetName: "proton.tar.gz",
				}
				if verified {
					c.Digest = testutil.SHA256(data)
				}
				candidates = append(candidates, c)
			}

			for _, c := range candidates {
				res, err := f.store.Install(ctx, c)
				if err != nil {
					t.Fatalf("Install %s (verified=%v) failed: %v", c.Tag, verified, err)
				}
				got, err := os.ReadFile(filepath.Join(res.Engine.RuntimeDir(), "version"))
				if err != nil || string(got) != c.Tag+"\n" {
					t.Errorf("%s installed from the wrong archive: %q, %v", c.Tag, got, err)
				}
			}
			if hits := f.srv.Hits("/GE-Proton10-3/proton.tar.gz"); hits != 1 {
				t.Errorf("second archive fetched %d times, want 1", hits)
			}
		}
	})

	t.Run("stale unverified download is fetched again", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.AllowUnverified = true })
		c := f.publish(t, "GE-Proton9-20")
		c.Digest = ""
		stale := filepath.Join(f.cfg.Downloads, "9.20.0", c.AssetName)
		os.MkdirAll(filepath.Dir(stale), 0755)
		os.WriteFile(stale, testutil.EngineArchive(t, "GE-Proton8-1"), 0644)

		res, err := f.store.Install(ctx, c)
		if err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if f.srv.Hits("/dl/GE-Proton9-20.tar.gz") != 1 {
			t.Error("archive should be fetched when no digest vouches for the cache")
		}
		if res.Engine.RuntimeRoot != "GE-Proton9-20" {
			t.Errorf("RuntimeRoot = %q", res.Engine.RuntimeRoot)
		}
	})

	t.Run("cached download matching the digest is reused", func(t *testing.T) {
		f := newFixture(t, nil)
		data := testutil.EngineArchive(t, "GE-Proton9-20")
		c := release.Candidate{
			Version:   release.MustParseVersion("GE-Proton9-20"),
			URL:       f.srv.Add("/dl/GE-Proton9-20.tar.gz", data),
			AssetName: "GE-Proton9-20.tar.gz",
			Digest:    testutil.SHA256(data),
		}
		cached := filepath.Join(f.cfg.Downloads, "9.20.0", c.AssetName)
		os.MkdirAll(filepath.Dir(cached), 0755)
		os.WriteFile(cached, data, 0644)

		if _, err := f.store.Install(ctx, c); err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if hits := f.srv.Hits("/dl/GE-Proton9-20.tar.gz"); hits != 0 {
			t.Errorf("archive fetched %d times, want 0", hits)
		}
	})

	t.Run("leftover directory without metadata is replaced", func(t *testing.T) {
		f := newFixture(t, nil)
		os.MkdirAll(filepath.Join(f.cfg.Root, "9.20.0", "dist"), 0755)
		f.store.Reload()
		if f.store.Status("9.20.0") != StatusCorrupt {
			t.Fatalf("Status = %s, want corrupt", f.store.Status("9.20.0"))
		}
		if _, err := f.store.Install(ctx, f.publish(t, "GE-Proton9-20")); err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if f.store.Status("9.20.0") != StatusInstalled {
			t.Errorf("Status = %s", f.store.Status("9.20.0"))
		}
	})
}

func evilArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0644, Size: 1, Typeflag: tar.TypeReg})
	tw.Write([]byte("x"))
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestListAndCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	if _, err := f.store.Current(); !errs.IsNotFound(err) {
		t.Errorf("Current on empty store: %v", err)
	}
	for _, tag := range []string{"GE-Proton9-20", "GE-Proton10-3", "GE-Proton9-7"} {
		if _, err := f.store.Install(ctx, f.publish(t, tag)); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, e := range f.store.List() {
		got = append(got, e.Version)
	}
	if strings.Join(got, ",") != "10.3.0,9.20.0,9.7.0" {
		t.Errorf("List order = %v", got)
	}
	cur, err := f.store.Current()
	if err != nil || cur.Version != "10.3.0" {
		t.Errorf("Current = %v, %v", cur, err)
	}
	if _, err := f.store.Get("8.0"); !errs.IsNotFound(err) {
		t.Errorf("Get missing: %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, refs staticRefs) *fixture {
		f := newFixture(t, nil)
		f.store.SetReferrers(refs)
		if _, err := f.store.Install(ctx, f.publish(t, "GE-Proton9-20")); err != nil {
			t.Fatal(err)
		}
		return f
	}

	t.Run("refuses while in use", func(t *testing.T) {
		f := setup(t, staticRefs{"9.20.0": {"default"}})
		err := f.store.Remove(ctx, "9.20.0", false)
		var inUse *errs.InUseError
		if !errors.As(err, &inUse) || inUse.Prefixes[0] != "default" {
			t.Fatalf("expected InUseError, got %v", err)
		}
		if !f.store.Installed("9.20.0") {
			t.Error("engine should still be installed")
		}
	})

	t.Run("force records the inconsistency", func(t *testing.T) {
		f := setup(t, staticRefs{"9.20.0": {"default"}})
		if err := f.store.Remove(ctx, "GE-Proton9-20", true); err != nil {
			t.Fatalf("forced Remove failed: %v", err)
		}
		if f.store.Status("9.20.0") != StatusAbsent {
			t.Errorf("Status = %s", f.store.Status("9.20.0"))
		}
		list, _ := transaction.Inconsistencies(f.cfg.Journal)
		if len(list) != 1 || list[0].Kind != InconsistencyRemovedInUse || list[0].Prefixes[0] != "default" {
			t.Errorf("inconsistencies = %+v", list)
		}
	})

	t.Run("unused engine", func(t *testing.T) {
		f := setup(t, nil)
		if err := f.store.Remove(ctx, "9.20.0", false); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(f.cfg.Root, "9.20.0")); !os.IsNotExist(err) {
			t.Error("directory should be gone")
		}
	})

	t.Run("missing engine", func(t *testing.T) {
		f := newFixture(t, nil)
		if err := f.store.Remove(ctx, "1.0.0", false); !errs.IsNotFound(err) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})
}

func TestGC(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *fixture {
		f := newFixture(t, nil)
		for _, tag := range []string{"GE-Proton8-1", "GE-Proton9-1", "GE-Proton10-1"} {
			if _, err := f.store.Install(ctx, f.publish(t, tag)); err != nil {
				t.Fatal(err)
			}
		}
		f.store.SetReferrers(staticRefs{"8.1.0": {"legacy"}})
		os.MkdirAll(filepath.Join(f.cfg.Root, stagingPrefix+"orphan", "dist"), 0755)
		os.MkdirAll(filepath.Join(f.cfg.Downloads, "11.1.0"), 0755)
		os.WriteFile(filepath.Join(f.cfg.Downloads, "11.1.0", "GE-Proton11-1.tar.gz.part"), make([]byte, 10), 0644)
		return f
	}

	t.Run("dry run removes nothing", func(t *testing.T) {
		f := setup(t)
		report, err := f.store.GC(ctx, GCOptions{Keep: 1, DryRun: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Engines) != 1 || report.Engines[0].Version != "9.1.0" {
			t.Errorf("Engines = %+v", report.Engines)
		}
		if len(report.Leftovers) != 2 || report.Freed() == 0 {
			t.Errorf("Leftovers = %+v", report.Leftovers)
		}
		if len(f.store.List()) != 3 {
			t.Error("dry run removed engines")
		}
	})

	t.Run("keeps newest and referenced versions", func(t *testing.T) {
		f := setup(t)
		report, err := f.store.GC(ctx, GCOptions{Keep: 1})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Join(report.Kept, ",") != "10.1.0" || strings.Join(report.Protected, ",") != "8.1.0" {
			t.Errorf("Kept = %v, Protected = %v", report.Kept, report.Protected)
		}
		if f.store.Installed("9.1.0") || !f.store.Installed("8.1.0") || !f.store.Installed("10.1.0") {
			t.Errorf("unexpected installed set after GC: %v", f.store.List())
		}
		if _, err := os.Stat(filepath.Join(f.cfg.Root, stagingPrefix+"orphan")); !os.IsNotExist(err) {
			t.Error("orphan staging tree should be removed")
		}
		if _, err := os.Stat(filepath.Join(f.cfg.Downloads, "10.1.0", "GE-Proton10-1.tar.gz")); err != nil {
			t.Error("complete downloads are kept without Downloads")
		}
	})

	t.Run("clears the download cache when asked", func(t *testing.T) {
		f := setup(t)
		report, err := f.store.GC(ctx, GCOptions{Keep: 3, Downloads: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Engines) != 0 || len(report.Downloads) != 3 {
			t.Errorf("Engines = %v, Downloads = %v", report.Engines, report.Downloads)
		}
		entries, _ := os.ReadDir(f.cfg.Downloads)
		if len(entries) != 0 {
			t.Errorf("download cache not empty: %d entries", len(entries))
		}
	})

	t.Run("removes incomplete version directories", func(t *testing.T) {
		f := setup(t)
		testutil.WriteTree(t, filepath.Join(f.cfg.Root, "11.0.0"), map[string]string{"dist/half": "x"})
		if err := f.store.Reload(); err != nil {
			t.Fatal(err)
		}
		if strings.Join(f.store.Corrupt(), ",") != "11.0.0" {
			t.Fatalf("Corrupt = %v", f.store.Corrupt())
		}

		report, err := f.store.GC(ctx, GCOptions{Keep: 3})
		if err != nil {
			t.Fatal(err)
		}
		var listed bool
		for _, rm := range report.Leftovers {
			listed = listed || rm.Version == "11.0.0"
		}
		if !listed {
			t.Errorf("Leftovers = %+v, want the incomplete version", report.Leftovers)
		}
		if _, err := os.Lstat(filepath.Join(f.cfg.Root, "11.0.0")); !os.IsNotExist(err) {
			t.Error("incomplete version directory should be removed")
		}
		if f.store.Status("11.0.0") != StatusAbsent {
			t.Errorf("Status = %s, want absent", f.store.Status("11.0.0"))
		}
		if len(f.store.List()) != 3 {
			t.Errorf("complete versions were touched: %v", f.store.List())
		}
	})

	t.Run("skips artifacts of a running install", func(t *testing.T) {
		f := setup(t)
		txn := transaction.New(transaction.OperationInstall, "11.1.0", filepath.Join(f.cfg.Root, "11.1.0"))
		txn.Staging = filepath.Join(f.cfg.Root, stagingPrefix+"running")
		txn.Download = filepath.Join(f.cfg.Downloads, "11.1.0", "GE-Proton11-1.tar.gz")
		os.MkdirAll(txn.Staging, 0755)
		txn.Save(f.cfg.Journal)
		lock, err := transaction.AcquireLock(ctx, f.cfg.Locks, LockKind, "11.1.0", "install")
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Release()

		if _, err := f.store.GC(ctx, GCOptions{Keep: 1}); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(txn.Staging); err != nil {
			t.Error("running install's staging tree was removed")
		}
		if _, err := os.Stat(txn.Download + download.PartSuffix); err != nil {
			t.Error("running install's partial download was removed")
		}
	})
}

func TestRecover(t *testing.T) {
	f := newFixture(t, nil)
	txn := transaction.New(transaction.OperationInstall, "9.20.0", filepath.Join(f.cfg.Root, "9.20.0"))
	txn.Staging = filepath.Join(f.cfg.Root, stagingPrefix+"crashed")
	os.MkdirAll(filepath.Join(txn.Staging, "dist"), 0755)
	txn.Advance(f.cfg.Journal, transaction.StateInProgress, nil)

	recovered, err := f.store.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0] != "9.20.0" {
		t.Errorf("recovered = %v", recovered)
	}
	f.assertClean(t, "9.20.0")
}

func TestRuntimeRoot(t *testing.T) {
	tests := []struct {
		name       string
		files      map[string]string
		hint       string
		want       string
		wantRunner bool
		wantErr    bool
	}{
		{"runner in top directory", map[string]string{"GE-Proton9-1/proton": "x"}, "", "GE-Proton9-1", true, false},
		{"runner at root", map[string]string{"proton": "x", "files/": ""}, "", ".", true, false},
		{"nested runner", map[string]string{"a/b/proton": "x"}, "", "a/b", true, false},
		{"too deep", map[string]string{"a/b/c/proton": "x", "z/": ""}, "", ".", false, false},
		{"single directory fallback", map[string]string{"only/readme": "x"}, "", "only", false, false},
		{"hint", map[string]string{"x/y/proton": "x"}, "x/y", "x/y", true, false},
		{"missing hint", map[string]string{"x/proton": "x"}, "nope", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist := t.TempDir()
			testutil.WriteTree(t, dist, tt.files)
			got, runner, err := runtimeRoot(dist, tt.hint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want || runner != tt.wantRunner {
				t.Errorf("runtimeRoot = %q, %v; want %q, %v", got, runner, tt.want, tt.wantRunner)
			}
		})
	}
}
