package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elm-linux/elm/internal/doctor"
	"github.com/elm-linux/elm/internal/engine"
	"github.com/elm-linux/elm/internal/service"
	"github.com/elm-linux/elm/internal/update"
)

var (
	updateInstall  bool
	updateNoBackup bool

	cleanDryRun    bool
	cleanDownloads bool
	cleanKeep      int

	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Check for a newer engine, and install it with --install",
		Long: `Check the release feed for an engine newer than the highest installed
one under the configured policy.

With --install the update is installed. Every prefix is snapshotted
first unless --no-backup is given. Prefixes are never rebound
automatically; use 'elm prefix bind' to move them to the new engine.

Exit status is 0 when up to date or updated, 2 when an update is
available but was not installed, and 1 when the check failed.`,
		Args: cobra.NoArgs,
		RunE: runUpdate,
	}

	cleanCmd = &cobra.Command{
		Use:     "clean",
		Aliases: []string{"gc"},
		Short:   "Remove unused engines and leftovers of interrupted operations",
		Long: `Remove engine versions beyond the newest --keep that no prefix uses,
staging trees and partial downloads of interrupted installs, temporary
snapshot archives, and forced-removal records that no longer apply.
Nothing owned by a running operation is touched.`,
		Args: cobra.NoArgs,
		RunE: runClean,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Summarize engines, prefixes and snapshots",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Check engines, prefixes and the journal for problems",
		Long: `Report prefixes bound to missing engines, engines removed with force,
incomplete engine directories, orphaned prefix directories, interrupted
operations and leftovers. Nothing is changed; 'elm clean' removes
leftovers.

Exit status is 1 when an error-level problem is found.`,
		Args: cobra.NoArgs,
		RunE: runDoctor,
	}
)

func init() {
	updateCmd.Flags().BoolVar(&updateInstall, "install", false, "install the update")
	updateCmd.Flags().BoolVar(&updateNoBackup, "no-backup", false, "do not snapshot prefixes before installing")

	cleanCmd.Flags().BoolVarP(&cleanDryRun, "dry-run", "n", false, "show what would be removed")
	cleanCmd.Flags().BoolVar(&cleanDownloads, "downloads", false, "also clear the download cache")
	cleanCmd.Flags().IntVar(&cleanKeep, "keep", 0, "newest engine versions to keep (default: engine.keep from config)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{Progress: downloadProgress(cmd)})
	if err != nil {
		return err
	}
	defer sess.Close()
	out := cmd.OutOrStdout()

	if !updateInstall {
		res := sess.svc.Updates.CheckForUpdate(cmd.Context())
		switch res.Outcome {
		case update.UpToDate:
			fmt.Fprintf(out, "✓ Up to date (%s)\n", res.Current)
			return nil
		case update.UpdateAvailable:
			current := res.Current
			if current == "" {
				current = "none installed"
			}
			fmt.Fprintf(out, "Update available: %s (current: %s)\n", res.Candidate, current)
			fmt.Fprintln(out, "Run 'elm update --install' to install it.")
			return &exitError{code: 2}
		default:
			return checkFailed(res)
		}
	}

	res, err := sess.svc.Updates.InstallUpdate(cmd.Context(), update.InstallRequest{Backup: !updateNoBackup})
	if err != nil {
		return err
	}
	switch res.Check.Outcome {
	case update.UpToDate:
		fmt.Fprintf(out, "✓ Up to date (%s)\n", res.Check.Current)
		return nil
	case update.CheckFailed:
		return checkFailed(res.Check)
	}

	for _, name := range sortedKeys(res.Backups) {
		fmt.Fprintf(out, "  backed up %s as %s\n", name, res.Backups[name])
	}
	for _, name := range sortedKeys(res.BackupErrors) {
		fmt.Fprintf(out, "  ⚠️  backup of %s failed: %v\n", name, res.BackupErrors[name])
	}
	fmt.Fprintf(out, "✓ Installed engine %s\n", res.Engine.Version)
	if len(res.Unbound) > 0 {
		fmt.Fprintf(out, "Prefixes still on older engines: %s\n", strings.Join(res.Unbound, ", "))
		fmt.Fprintf(out, "Run 'elm prefix bind <name> %s' to move them.\n", res.Engine.Version)
	}
	return nil
}

func checkFailed(res *update.CheckResult) error {
	if res.Err == nil {
		return fmt.Errorf("update check failed: %s", res.Reason)
	}
	return fmt.Errorf("update check failed: %s: %w", res.Reason, res.Err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runClean(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	report, err := sess.svc.Clean(cmd.Context(), service.CleanRequest{Keep: cleanKeep, DryRun: cleanDryRun, Downloads: cleanDownloads})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "Removed"
	if report.DryRun {
		verb = "Would remove"
	}
	printRemovals := func(label string, list []engine.Removal) {
		for _, rm := range list {
			name := rm.Path
			if rm.Version != "" {
				name = rm.Version
			}
			fmt.Fprintf(out, "  %s %s %s (%s)\n", verb, label, name, humanize.Bytes(uint64(rm.Bytes)))
		}
	}
	printRemovals("engine", report.GC.Engines)
	printRemovals("leftover", report.GC.Leftovers)
	printRemovals("download", report.GC.Downloads)
	printRemovals("leftover", report.Leftovers)
	for _, v := range report.GC.Protected {
		fmt.Fprintf(out, "  Kept engine %s (in use)\n", v)
	}
	if report.Resolved > 0 {
		fmt.Fprintf(out, "  %s %d resolved forced-removal record(s)\n", verb, report.Resolved)
	}

	if report.DryRun {
		fmt.Fprintf(out, "Would free %s\n", humanize.Bytes(uint64(report.Freed())))
	} else {
		fmt.Fprintf(out, "✓ Freed %s\n", humanize.Bytes(uint64(report.Freed())))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := sess.svc.Status(cmd.Context(), service.StatusRequest{})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Data directory: %s\n\n", st.Root)

	fmt.Fprintf(out, "Engines (%d):\n", len(st.Engines))
	for _, es := range st.Engines {
		marker := " "
		if es.Current {
			marker = "*"
		}
		users := "unused"
		if len(es.Prefixes) > 0 {
			users = "used by " + strings.Join(es.Prefixes, ", ")
		}
		fmt.Fprintf(out, "  %s %-10s %-18s %s\n", marker, es.Engine.Version, es.Engine.Tag, users)
	}

	fmt.Fprintf(out, "\nPrefixes (%d):\n", len(st.Prefixes))
	for _, ps := range st.Prefixes {
		marker := " "
		if ps.Default {
			marker = "*"
		}
		engineNote := ""
		if !ps.EngineInstalled {
			engineNote = " ✗ engine missing"
		}
		fmt.Fprintf(out, "  %s %-16s %-10s %d snapshot(s)%s\n", marker, ps.Prefix.Name, ps.Prefix.Engine, ps.Snapshots, engineNote)
	}

	fmt.Fprintf(out, "\nSnapshots: %d\n", len(st.Snapshots))
	if len(st.Inconsistencies) > 0 {
		fmt.Fprintf(out, "\n⚠️  %d engine(s) removed while in use. Run 'elm doctor' for details.\n", len(st.Inconsistencies))
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	findings, err := sess.svc.Doctor(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), doctor.FormatReport(findings))
	if doctor.HasErrors(findings) {
		return &exitError{code: 1}
	}
	return nil
}
