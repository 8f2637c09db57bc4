// Package app installs Windows applications into prefixes and runs them
// through the prefix's engine.
//
// Both operations start "proton run <program>" the same way prefix
// bootstrap starts wineboot: from the engine tree, with the prefix as
// compat data path and a scrubbed environment.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/elm-linux/elm/internal/bootstrap"
	"github.com/elm-linux/elm/internal/download"
	"github.com/elm-linux/elm/internal/logging"
)

var (
	// ErrInstallFailed wraps failures of an application installer.
	ErrInstallFailed = errors.New("application install failed")
	// ErrLaunchFailed wraps failures to start or run an application.
	ErrLaunchFailed = errors.New("application launch failed")
)

// DefaultInstallTimeout bounds an installer run. Installers are often
// interactive, so it is generous.
const DefaultInstallTimeout = 2 * time.Hour

// Fetcher downloads installers.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) (*download.Result, error)
}

// Target is the prefix and engine an application is installed into or run
// from.
type Target struct {
	// RuntimeDir is the engine directory holding the runner.
	RuntimeDir string
	// PrefixDir is the prefix root; the wine prefix is PrefixDir/pfx.
	PrefixDir string
	// Env is applied over the compatibility variables.
	Env map[string]string
}

func (t Target) request() bootstrap.Request {
	return bootstrap.Request{RuntimeDir: t.RuntimeDir, PrefixDir: t.PrefixDir, Env: t.Env}
}

// DriveC returns the C: drive of the target prefix.
func (t Target) DriveC() string {
	return filepath.Join(t.PrefixDir, "pfx", "drive_c")
}

// Config holds configuration for the runner
type Config struct {
	Proton bootstrap.Proton
	// Fetcher and Cache are only needed by Install.
	Fetcher Fetcher
	Cache   string

	InstallTimeout time.Duration
	Logger         logging.Logger
}

// Runner installs and launches applications.
type Runner struct {
	cfg    Config
	logger logging.Logger
}

// New creates a runner.
func New(cfg Config) *Runner {
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = DefaultInstallTimeout
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}
}

// run starts "proton run exe args..." and waits for it. Output goes to
// stdout and stderr when given; otherwise it is captured and its tail
// reported on failure.
func (r *Runner) run(ctx context.Context, t Target, exe string, args []string, stdout, stderr io.Writer, sentinel error) error {
	cmd, err := r.cfg.Proton.Command(ctx, t.request(), append([]string{"run", exe}, args...)...)
	if err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}

	var captured limitedBuffer
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if cmd.Stdout == nil {
		cmd.Stdout = &captured
	}
	if cmd.Stderr == nil {
		cmd.Stderr = &captured
	}

	err = cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s interrupted: %w", sentinel, filepath.Base(exe), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Program: filepath.Base(exe),
			Code:    exitErr.ExitCode(),
			Output:  bootstrap.Tail(captured.String()),
			kind:    sentinel,
		}
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// ExitError reports a program that ran and exited with a failure status.
// It matches ErrInstallFailed or ErrLaunchFailed with errors.Is.
type ExitError struct {
	Program string
	Code    int
	// Output is the redacted tail of the program output, when captured.
	Output string
	kind   error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%v: %s exited with status %d", e.kind, e.Program, e.Code)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.kind
}

// limitedBuffer keeps the last few KiB written to it.
type limitedBuffer struct {
	buf []byte
}

const captureLimit = 8 << 10

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > captureLimit {
		b.buf = b.buf[len(b.buf)-captureLimit:]
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return string(b.buf)
}
