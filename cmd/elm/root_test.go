package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/elm-linux/elm/internal/testutil"
)

// run executes the command line in an isolated environment and returns
// what it printed to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	var stdout, stderr bytes.Buffer
	RootCmd.SetOut(&stdout)
	RootCmd.SetErr(&stderr)
	RootCmd.SetArgs(args)
	t.Cleanup(func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
		RootCmd.SetArgs(nil)
	})

	err := RootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func resetFlags() {
	configPath, dataDir, logLevel = "", "", ""
	verbose, insecure = false, false
	engineManifest, engineForce, engineRemote, engineLimit = "", false, false, 20
	prefixEngine, prefixEnv, prefixPurgeSnapshots, prefixManifest = "", nil, false, ""
	runPrefix, runManifest, runEntrypoint, runEnv, runDetach = "", "", "", nil, false
	updateInstall, updateNoBackup = false, false
	cleanDryRun, cleanDownloads, cleanKeep = false, false, 0

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(RootCmd)
}

func TestRootCommand(t *testing.T) {
	if RootCmd.Use != "elm" {
		t.Errorf("expected Use to be 'elm', got '%s'", RootCmd.Use)
	}

	found := make(map[string]bool)
	for _, c := range RootCmd.Commands() {
		found[c.Name()] = true
	}
	for _, want := range []string{"engine", "prefix", "run", "snapshot", "rollback", "update", "clean", "status", "doctor"} {
		if !found[want] {
			t.Errorf("expected command '%s' to be registered", want)
		}
	}

	for _, name := range []string{"config", "data-dir", "log-level", "verbose", "insecure"} {
		if f := RootCmd.PersistentFlags().Lookup(name); f == nil || f.Usage == "" {
			t.Errorf("expected --%s flag with usage text", name)
		}
	}
}

func TestEmptyDataDirectory(t *testing.T) {
	env := testutil.SetupTestEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"status", []string{"status"}, "Engines (0)"},
		{"doctor", []string{"doctor"}, "No problems found"},
		{"engine list", []string{"engine", "list"}, "No engines installed"},
		{"prefix list", []string{"prefix", "list"}, "No prefixes"},
		{"default", []string{"prefix", "default"}, "No default prefix set"},
		{"snapshot list", []string{"snapshot", "list"}, "No snapshots"},
		{"clean", []string{"clean", "--dry-run"}, "Would free 0 B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if err != nil {
				t.Fatalf("%v failed: %v", tt.args, err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output should contain %q, got:\n%s", tt.want, out)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(env.DataDir, "engines")); err != nil {
		t.Errorf("data directory not laid out: %v", err)
	}
}

func TestErrors(t *testing.T) {
	testutil.SetupTestEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"create without engine", []string{"prefix", "create", "games"}, "no engine installed"},
		{"bad prefix name", []string{"prefix", "create", "../x", "--engine", "10.26.0"}, "invalid prefix name"},
		{"missing prefix", []string{"prefix", "info", "ghost"}, "ghost"},
		{"missing snapshot", []string{"snapshot", "delete", "ghost"}, "ghost"},
		{"missing engine", []string{"engine", "remove", "10.26.0"}, "10.26.0"},
		{"delete missing prefix", []string{"prefix", "delete", "ghost"}, "ghost"},
		{"manifest and version", []string{"engine", "install", "10.26.0", "--manifest", "x.jsonc"}, "--manifest"},
		{"extra args", []string{"status", "now"}, "unknown command"},
		{"install without manifest", []string{"prefix", "install", "games"}, "manifest"},
		{"run nothing", []string{"run"}, "nothing to run"},
		{"run two programs", []string{"run", "a.exe", "b.exe"}, "pass its arguments after --"},
		{"entrypoint without manifest", []string{"run", "a.exe", "--entrypoint", "Launcher"}, "--entrypoint needs --manifest"},
		{"run without prefix", []string{"run", "drive_c/a.exe"}, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			if err == nil {
				t.Fatalf("%v should fail", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q: %v", tt.want, err)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	env := testutil.SetupTestEnv(t)

	t.Run("data_dir from config", func(t *testing.T) {
		t.Setenv("ELM_DATA_DIR", "")
		dir := filepath.Join(t.TempDir(), "elsewhere")
		path := filepath.Join(env.ConfigDir, "config.lua")
		os.WriteFile(path, []byte(`elm = { data_dir = "`+dir+`" }`), 0o644)

		out, err := run(t, "status", "--config", path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, dir) {
			t.Errorf("status should report %s:\n%s", dir, out)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		path := filepath.Join(env.ConfigDir, "broken.lua")
		os.WriteFile(path, []byte(`elm = { engine = { policy = "sometimes" } }`), 0o644)

		if _, err := run(t, "status", "--config", path); err == nil {
			t.Error("expected error for invalid policy")
		}
	})
}

func TestParseEnv(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{"empty", nil, map[string]string{}, false},
		{"pairs", []string{"DXVK_HUD=fps", "PROTON_LOG=1"}, map[string]string{"DXVK_HUD": "fps", "PROTON_LOG": "1"}, false},
		{"value with equals", []string{"WINEDLLOVERRIDES=d3d11=n,b"}, map[string]string{"WINEDLLOVERRIDES": "d3d11=n,b"}, false},
		{"empty value", []string{"EMPTY="}, map[string]string{"EMPTY": ""}, false},
		{"no equals", []string{"JUSTKEY"}, nil, true},
		{"no key", []string{"=v"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEnv(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseEnv() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestDoctorExitStatus(t *testing.T) {
	env := testutil.SetupTestEnv(t)

	// A prefix bound to an engine that was never installed
	prefixes := filepath.Join(env.DataDir, "prefixes")
	testutil.WriteTree(t, prefixes, map[string]string{
		"games/pfx/": "",
		"games.json": `{"name": "games", "engine": "10.26.0", "created": "2025-03-01T12:00:00Z", "env": {}}`,
	})

	out, err := run(t, "doctor")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
	if !strings.Contains(out, "games") || !strings.Contains(out, "10.26.0") {
		t.Errorf("report should name the prefix and engine:\n%s", out)
	}
}

func TestSplitRunArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		dash     int
		wantExe  string
		wantArgs []string
		wantErr  bool
	}{
		{"program only", []string{"drive_c/a.exe"}, -1, "drive_c/a.exe", nil, false},
		{"program and args", []string{"drive_c/a.exe", "-windowed", "/log"}, 1, "drive_c/a.exe", []string{"-windowed", "/log"}, false},
		{"descriptor args only", []string{"/noupdate"}, 0, "", []string{"/noupdate"}, false},
		{"nothing", nil, -1, "", nil, false},
		{"two programs", []string{"a.exe", "b.exe"}, -1, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exe, args, err := splitRunArgs(tt.args, tt.dash)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitRunArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exe != tt.wantExe || strings.Join(args, " ") != strings.Join(tt.wantArgs, " ") {
				t.Errorf("splitRunArgs() = %q, %v; want %q, %v", exe, args, tt.wantExe, tt.wantArgs)
			}
		})
	}
}
