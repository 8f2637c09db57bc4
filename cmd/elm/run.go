package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elm-linux/elm/internal/app"
	"github.com/elm-linux/elm/internal/service"
)

var (
	runPrefix     string
	runManifest   string
	runEntrypoint string
	runEnv        []string
	runDetach     bool

	runCmd = &cobra.Command{
		Use:   "run [program] [-- args...]",
		Short: "Run a Windows program in a prefix",
		Long: `Run a program through the prefix's engine with the prefix's environment.

The program path is relative to the prefix's pfx directory, as in
drive_c/EVE/launcher.exe. With --manifest and no program the
descriptor's entrypoint is run instead, and the descriptor's env.base
variables apply under the prefix's own. Arguments after -- are passed
to the program.

Programs run in the foreground and elm exits with their status, unless
--detach is given.`,
		Example: `  elm run drive_c/EVE/launcher.exe --prefix games
  elm run --manifest eve-online.jsonc --entrypoint Launcher -- /noupdate
  elm run --detach --env DXVK_HUD=fps drive_c/Game/game.exe`,
		RunE: runRun,
	}
)

func init() {
	runCmd.Flags().StringVarP(&runPrefix, "prefix", "p", "", "prefix to run in (default: the default prefix)")
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "application descriptor")
	runCmd.Flags().StringVar(&runEntrypoint, "entrypoint", "", "descriptor entrypoint by name (default: the first)")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil, "environment variable KEY=VALUE (repeatable)")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "start the program in the background and return")
}

// splitRunArgs separates the program from the arguments given after --.
func splitRunArgs(args []string, dash int) (string, []string, error) {
	before, after := args, []string(nil)
	if dash >= 0 {
		before, after = args[:dash], args[dash:]
	}
	switch len(before) {
	case 0:
		return "", after, nil
	case 1:
		return before[0], after, nil
	default:
		return "", nil, fmt.Errorf("expected one program, got %d; pass its arguments after --", len(before))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	exe, progArgs, err := splitRunArgs(args, cmd.ArgsLenAtDash())
	if err != nil {
		return err
	}
	if exe == "" && runManifest == "" {
		return fmt.Errorf("nothing to run\nGive a program path or --manifest")
	}
	if runEntrypoint != "" && runManifest == "" {
		return fmt.Errorf("--entrypoint needs --manifest")
	}
	env, err := parseEnv(runEnv)
	if err != nil {
		return err
	}

	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	proc, err := sess.svc.Run(cmd.Context(), service.RunRequest{
		Prefix:     runPrefix,
		Exe:        exe,
		Manifest:   runManifest,
		Entrypoint: runEntrypoint,
		Args:       progArgs,
		Env:        env,
		Detach:     runDetach,
		Stdout:     cmd.OutOrStdout(),
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		var exit *app.ExitError
		if errors.As(err, &exit) && exit.Code > 0 {
			sess.logger.Debug("program exited", "program", exit.Program, "status", exit.Code)
			return &exitError{code: exit.Code}
		}
		return err
	}
	if runDetach {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Started %s (pid %d)\n", proc.Exe, proc.PID)
	}
	return nil
}
