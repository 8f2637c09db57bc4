// Package testutil provides utilities for testing elm in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Env holds the isolated directories created by SetupTestEnv.
type Env struct {
	ConfigDir string
	DataDir   string
}

// SetupTestEnv points every ELM_* and XDG variable at a fresh temporary
// directory so tests never touch the user's engines or prefixes.
func SetupTestEnv(t *testing.T) Env {
	t.Helper()

	tmpDir := t.TempDir()
	env := Env{
		ConfigDir: filepath.Join(tmpDir, "config"),
		DataDir:   filepath.Join(tmpDir, "data"),
	}

	t.Setenv("ELM_CONFIG_DIR", env.ConfigDir)
	t.Setenv("ELM_DATA_DIR", env.DataDir)
	t.Setenv("ELM_LOG_LEVEL", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, "xdg-data"))
	t.Setenv("GITHUB_TOKEN", "")

	for _, dir := range []string{env.ConfigDir, env.DataDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
	return env
}
