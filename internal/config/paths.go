package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigDir returns $ELM_CONFIG_DIR, $XDG_CONFIG_HOME/elm or ~/.config/elm.
func ConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return ExpandHome(dir)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "elm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "elm"), nil
}

// ConfigPath returns the config file location.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// DefaultDataDir returns $XDG_DATA_HOME/elm or ~/.local/share/elm.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "elm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "elm"), nil
}

// ExpandHome replaces a leading ~ with the home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Paths is the directory layout under the data directory.
type Paths struct {
	Root      string
	Engines   string
	Prefixes  string
	Snapshots string
	Downloads string
	// Installers caches application installers apart from engine
	// archives, so engine cleanup never touches them.
	Installers string
	Locks      string
	Journal    string
}

// NewPaths lays out the data directory at root.
func NewPaths(root string) Paths {
	return Paths{
		Root:       root,
		Engines:    filepath.Join(root, "engines"),
		Prefixes:   filepath.Join(root, "prefixes"),
		Snapshots:  filepath.Join(root, "snapshots"),
		Downloads:  filepath.Join(root, "downloads"),
		Installers: filepath.Join(root, "installers"),
		Locks:      filepath.Join(root, "locks"),
		Journal:    filepath.Join(root, "journal"),
	}
}

// ResolvePaths resolves the configured data directory, falling back to
// DefaultDataDir.
func (c *Config) ResolvePaths() (Paths, error) {
	root := c.DataDir
	if root == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return Paths{}, err
		}
		root = dir
	}
	root, err := ExpandHome(root)
	if err != nil {
		return Paths{}, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve data directory: %w", err)
	}
	return NewPaths(abs), nil
}

// Ensure creates every directory in the layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Root, p.Engines, p.Prefixes, p.Snapshots, p.Downloads, p.Installers, p.Locks, p.Journal} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
