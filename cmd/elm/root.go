package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elm-linux/elm/internal/config"
	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/platform"
	"github.com/elm-linux/elm/internal/service"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	verbose    bool
	insecure   bool

	// RootCmd is the root command for elm
	RootCmd = &cobra.Command{
		Use:   "elm",
		Short: "Proton engine and Wine prefix manager",
		Long: `elm installs Proton/Wine engine builds, creates and clones prefixes bound
to them, and takes snapshots that a prefix can be rolled back to.

Every operation either completes or leaves the data directory as it was:
installs are staged and verified before they become visible, and a
rollback interrupted by a crash is finished on the next run.

Examples:
  # Install the newest engine and create a prefix on it
  elm engine install
  elm prefix create games

  # Install an application and start it
  elm prefix install games --manifest eve-online.jsonc
  elm run --prefix games --manifest eve-online.jsonc

  # Snapshot before changing anything, roll back if it breaks
  elm snapshot create games before-mods
  elm rollback before-mods games

  # Look for problems, then tidy up
  elm doctor
  elm clean --dry-run`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.config/elm/config.lua)")
	RootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides the config file)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging and detailed errors")
	RootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "accept engine releases without a published digest")

	service.UserAgent = "elm/" + Version

	RootCmd.SuggestionsMinimumDistance = 2
	RootCmd.SetVersionTemplate("elm {{.Version}}\n")

	RootCmd.AddCommand(engineCmd, prefixCmd, runCmd, snapshotCmd, rollbackCmd, updateCmd, cleanCmd, statusCmd, doctorCmd)
}

// Execute runs the root command with a context cancelled on SIGINT and
// SIGTERM, so interrupted operations clean up after themselves.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RootCmd.ExecuteContext(ctx)
}

// session is an opened service and the logger behind it.
type session struct {
	svc    *service.Service
	logger logging.Logger
	sync   func() error
}

func (s *session) Close() {
	if s.sync != nil {
		s.sync()
	}
}

// openSession loads the configuration and opens the data directory.
func openSession(cmd *cobra.Command, opts service.Options) (*session, error) {
	ctx := cmd.Context()

	level := logLevel
	if verbose {
		level = "debug"
	}

	// The config file decides the level unless a flag did
	bootLogger, _, err := logging.New(cmd.ErrOrStderr(), orDefault(level, "warn"))
	if err != nil {
		return nil, err
	}
	path := configPath
	if path == "" {
		if path, err = config.ConfigPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.NewParser(platform.NewDetector(), bootLogger).Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logger, sync, err := logging.New(cmd.ErrOrStderr(), orDefault(level, cfg.Log.Level))
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.Insecure = insecure

	svc, err := service.Open(ctx, cfg, opts)
	if err != nil {
		sync()
		return nil, err
	}
	return &session{svc: svc, logger: logger, sync: sync}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// downloadProgress prints a progress line to stderr every 5%.
func downloadProgress(cmd *cobra.Command) func(done, total int64) {
	last := int64(-1)
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		pct := done * 100 / total
		if pct/5 == last/5 && done != total {
			return
		}
		last = pct
		fmt.Fprintf(cmd.ErrOrStderr(), "\rdownloading %s / %s (%d%%)", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)), pct)
		if done == total {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
}
