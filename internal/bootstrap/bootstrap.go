// Package bootstrap populates a new prefix using the engine's own tooling.
//
// Prefix creation only needs "given an engine and an empty prefix root,
// produce a working environment or fail"; Proton implements that by running
// wineboot through the engine's proton script.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrBootstrapFailed wraps every failure of the external tooling.
var ErrBootstrapFailed = errors.New("prefix bootstrap failed")

// DefaultTimeout bounds a wineboot run.
const DefaultTimeout = 10 * time.Minute

// RunnerName is the launcher script at the top of a Proton tree.
const RunnerName = "proton"

// Request describes one bootstrap.
type Request struct {
	// RuntimeDir is the engine directory holding the runner.
	RuntimeDir string
	// PrefixDir is the new prefix root. It exists and is empty.
	PrefixDir string
	// Env is the prefix's environment map, applied on top of the
	// compatibility variables.
	Env map[string]string
}

// Bootstrapper initializes prefixes.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req Request) error
}

// Func adapts a function to Bootstrapper.
type Func func(ctx context.Context, req Request) error

// Bootstrap calls f.
func (f Func) Bootstrap(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Proton runs "proton run wineboot" from the engine tree.
type Proton struct {
	Python    string        // interpreter, default "python3"
	SteamPath string        // STEAM_COMPAT_CLIENT_INSTALL_PATH, default ~/.steam/steam
	Timeout   time.Duration // default DefaultTimeout
}

// Bootstrap runs wineboot with the prefix as compat data path. The
// environment is scrubbed down to the essentials plus req.Env.
func (p Proton) Bootstrap(ctx context.Context, req Request) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := p.Command(ctx, req, "run", "wineboot")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return translateError(ctx, err, string(out))
	}
	if _, err := os.Stat(filepath.Join(req.PrefixDir, "pfx")); err != nil {
		return fmt.Errorf("%w: wineboot did not create pfx/", ErrBootstrapFailed)
	}
	return nil
}

// Command prepares "proton <args>" from the engine at req.RuntimeDir,
// running in req.PrefixDir with the environment from Environ. The process
// is killed when ctx is done.
func (p Proton) Command(ctx context.Context, req Request, args ...string) (*exec.Cmd, error) {
	runner := filepath.Join(req.RuntimeDir, RunnerName)
	if _, err := os.Stat(runner); err != nil {
		return nil, fmt.Errorf("runner not found at %s", runner)
	}
	python := p.Python
	if python == "" {
		python = "python3"
	}
	cmd := exec.CommandContext(ctx, python, append([]string{runner}, args...)...)
	cmd.Dir = req.PrefixDir
	cmd.Env = Environ(req, p.steamPath())
	return cmd, nil
}

func (p Proton) steamPath() string {
	if p.SteamPath != "" {
		return p.SteamPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".steam", "steam")
}

// Environ returns the environment for running the engine against a prefix.
func Environ(req Request, steamPath string) []string {
	env := []string{
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + os.Getenv("PATH"),
		"USER=" + os.Getenv("USER"),
		"LANG=" + os.Getenv("LANG"),
		"DISPLAY=" + os.Getenv("DISPLAY"),
		"WAYLAND_DISPLAY=" + os.Getenv("WAYLAND_DISPLAY"),
		"XDG_RUNTIME_DIR=" + os.Getenv("XDG_RUNTIME_DIR"),
		"STEAM_COMPAT_DATA_PATH=" + req.PrefixDir,
		"STEAM_COMPAT_CLIENT_INSTALL_PATH=" + steamPath,
		"WINEPREFIX=" + filepath.Join(req.PrefixDir, "pfx"),
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	return env
}

func translateError(ctx context.Context, err error, output string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("operation cancelled: %w", context.Canceled)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: wineboot timed out: %w", ErrBootstrapFailed, context.DeadlineExceeded)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: wineboot exited with status %d: %s", ErrBootstrapFailed, exitErr.ExitCode(), Tail(output))
	}
	return fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
}

var homePattern = regexp.MustCompile(`/home/[^/\s]+`)

// Tail keeps the end of the tool output, where wine reports the failure,
// with home directories redacted.
func Tail(output string) string {
	const maxLen = 400
	output = strings.TrimSpace(output)
	if len(output) > maxLen {
		output = "..." + output[len(output)-maxLen:]
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		output = strings.ReplaceAll(output, home, "$HOME")
	}
	return homePattern.ReplaceAllString(output, "/home/<user>")
}
