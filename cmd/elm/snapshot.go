package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elm-linux/elm/internal/service"
)

var (
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list and delete prefix snapshots",
	}

	snapshotCreateCmd = &cobra.Command{
		Use:   "create <prefix> [name]",
		Short: "Snapshot a prefix",
		Long: `Archive a prefix to a compressed snapshot. The name defaults to
<prefix>-<YYYYMMDD-HHMMSS>. Existing snapshots are never overwritten.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runSnapshotCreate,
	}

	snapshotListCmd = &cobra.Command{
		Use:   "list [prefix]",
		Short: "List snapshots, optionally of one prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshotList,
	}

	snapshotDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotDelete,
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback <snapshot> [prefix]",
		Short: "Restore a prefix from a snapshot",
		Long: `Replace a prefix with the contents of a snapshot.

The snapshot is verified before the prefix is touched. The current tree
is moved aside and only removed once the snapshot is fully extracted, so
a failed rollback leaves the prefix as it was. The prefix defaults to
the one the snapshot was taken of. A path to an archive may be given
instead of a snapshot name.`,
		Example: `  elm rollback before-mods
  elm rollback games-20250301-120000 games-copy
  elm rollback ./backup.tar.zst games`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runRollback,
	}
)

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotDeleteCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	name := sess.svc.SnapshotName(args[0])
	if len(args) == 2 {
		name = args[1]
	}
	s, err := sess.svc.Snapshots.Snapshot(cmd.Context(), args[0], name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Snapshot %s of %s: %s, %d entries\n", s.Name, s.Prefix, humanize.Bytes(uint64(s.Size)), s.Entries)
	if len(s.Skipped) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "  %d entries skipped (sockets, devices or links outside the prefix)\n", len(s.Skipped))
	}
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	filter := ""
	if len(args) == 1 {
		filter = args[0]
	}
	list, err := sess.svc.Snapshots.List(filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No snapshots")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPREFIX\tSIZE\tCREATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Prefix, humanize.Bytes(uint64(s.Size)), humanize.Time(s.Created))
	}
	return w.Flush()
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.svc.Snapshots.Delete(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted snapshot %s\n", args[0])
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	snap, err := sess.svc.Snapshots.Resolve(args[0])
	if err != nil {
		return err
	}
	target := snap.Prefix
	if len(args) == 2 {
		target = args[1]
	}
	if target == "" {
		return fmt.Errorf("snapshot %s does not record its prefix; name the prefix to restore", snap.Name)
	}

	res, err := sess.svc.Snapshots.Rollback(cmd.Context(), args[0], target)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Rolled back %s to %s\n", res.Prefix, res.Snapshot)
	if !res.Verified {
		fmt.Fprintln(cmd.OutOrStdout(), "  warning: the snapshot has no recorded digest and was not verified")
	}
	return nil
}
