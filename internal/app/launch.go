package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/elm-linux/elm/internal/errs"
)

// LaunchRequest runs one program inside a prefix.
type LaunchRequest struct {
	Target
	// Exe is relative to pfx/, as in drive_c/Game/game.exe, or an
	// absolute path.
	Exe  string
	Args []string
	// Detach starts the program in its own session and returns at once.
	Detach bool
	// Stdout and Stderr receive the program output of a foreground run.
	Stdout, Stderr io.Writer
}

// Process describes a launched program.
type Process struct {
	Exe string
	// PID is only set for detached launches.
	PID int
}

// Launch runs req.Exe through the engine's runner. A foreground launch
// waits for the program and fails with an ExitError on a failure status;
// cancelling ctx kills it.
func (r *Runner) Launch(ctx context.Context, req LaunchRequest) (*Process, error) {
	exe, err := ResolveExe(req.PrefixDir, req.Exe)
	if err != nil {
		return nil, err
	}
	proc := &Process{Exe: exe}

	if !req.Detach {
		r.logger.Info("launching", "exe", exe, "prefix", req.PrefixDir)
		if err := r.run(ctx, req.Target, exe, req.Args, req.Stdout, req.Stderr, ErrLaunchFailed); err != nil {
			return proc, err
		}
		return proc, nil
	}

	// The program outlives this process, so ctx only bounds the start
	cmd, err := r.cfg.Proton.Command(context.WithoutCancel(ctx), req.request(), append([]string{"run", exe}, req.Args...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrLaunchFailed, filepath.Base(exe), err)
	}
	proc.PID = cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		r.logger.Warn("release launched process", "pid", proc.PID, "error", err)
	}
	r.logger.Info("launched in background", "exe", exe, "pid", proc.PID)
	return proc, nil
}

// ResolveExe returns the absolute path of exe, which is relative to the
// wine prefix unless absolute. Relative paths must stay inside it, and the
// program must exist.
func ResolveExe(prefixDir, exe string) (string, error) {
	if exe == "" {
		return "", fmt.Errorf("%w: no program given", ErrLaunchFailed)
	}
	p := filepath.FromSlash(strings.ReplaceAll(exe, `\`, "/"))
	if !filepath.IsAbs(p) {
		pfx := filepath.Join(prefixDir, "pfx")
		p = filepath.Join(pfx, p)
		if rel, err := filepath.Rel(pfx, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s escapes the prefix", ErrLaunchFailed, exe)
		}
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunchFailed, errs.NotFound(errs.KindProgram, p))
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrLaunchFailed, p)
	}
	return p, nil
}
