package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elm-linux/elm/internal/service"
)

var (
	engineManifest string
	engineForce    bool
	engineRemote   bool
	engineLimit    int

	engineCmd = &cobra.Command{
		Use:   "engine",
		Short: "Install, list and remove engine versions",
	}

	engineInstallCmd = &cobra.Command{
		Use:   "install [version]",
		Short: "Install an engine version",
		Long: `Install an engine version from the release feed.

Without a version the configured policy decides (latest by default).
A version may be a tag such as GE-Proton10-26 or a semantic version such
as 10.26.0. With --manifest the engine is installed from a local
descriptor file instead of the feed.`,
		Example: `  elm engine install
  elm engine install GE-Proton9-27
  elm engine install --manifest ./ge-proton10-26.jsonc`,
		Args: cobra.MaximumNArgs(1),
		RunE: runEngineInstall,
	}

	engineListCmd = &cobra.Command{
		Use:   "list",
		Short: "List installed engines, or published ones with --remote",
		Args:  cobra.NoArgs,
		RunE:  runEngineList,
	}

	engineRemoveCmd = &cobra.Command{
		Use:   "remove <version>",
		Short: "Remove an installed engine",
		Long: `Remove an installed engine version.

Removal is refused while a prefix is bound to the version. With --force
the version is removed anyway and the broken bindings are recorded so
'elm doctor' can report them.`,
		Args: cobra.ExactArgs(1),
		RunE: runEngineRemove,
	}
)

func init() {
	engineInstallCmd.Flags().StringVar(&engineManifest, "manifest", "", "install from an engine descriptor file")
	engineListCmd.Flags().BoolVar(&engineRemote, "remote", false, "list releases published on the feed")
	engineListCmd.Flags().IntVar(&engineLimit, "limit", 20, "maximum number of published releases to list")
	engineRemoveCmd.Flags().BoolVar(&engineForce, "force", false, "remove even if prefixes use it")

	engineCmd.AddCommand(engineInstallCmd, engineListCmd, engineRemoveCmd)
}

func runEngineInstall(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{Progress: downloadProgress(cmd)})
	if err != nil {
		return err
	}
	defer sess.Close()

	req := service.InstallRequest{Manifest: engineManifest}
	if len(args) == 1 {
		if engineManifest != "" {
			return fmt.Errorf("a version cannot be combined with --manifest")
		}
		req.Version = args[0]
	}
	res, err := sess.svc.Install(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.AlreadyInstalled {
		fmt.Fprintf(out, "Engine %s is already installed\n", res.Engine.Version)
		return nil
	}
	fmt.Fprintf(out, "✓ Installed engine %s (%s, verified: %s)\n", res.Engine.Version, res.Engine.Tag, res.Engine.Verified)
	return nil
}

func runEngineList(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()
	out := cmd.OutOrStdout()

	if engineRemote {
		list, err := sess.svc.Resolver.List(cmd.Context(), engineLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tTAG\tSIZE\tPUBLISHED\tINSTALLED")
		for _, c := range list {
			installed := ""
			if sess.svc.Engines.Installed(c.Version.String()) {
				installed = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Version, c.Tag, humanize.Bytes(uint64(c.Size)), humanize.Time(c.Published), installed)
		}
		return w.Flush()
	}

	st, err := sess.svc.Status(cmd.Context(), service.StatusRequest{Sizes: true})
	if err != nil {
		return err
	}
	if len(st.Engines) == 0 {
		fmt.Fprintln(out, "No engines installed. Run 'elm engine install' to install one.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTAG\tSIZE\tINSTALLED\tPREFIXES")
	for _, es := range st.Engines {
		version := es.Engine.Version
		if es.Current {
			version += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", version, es.Engine.Tag, humanize.Bytes(uint64(es.Size)),
			humanize.Time(es.Engine.InstalledAt), len(es.Prefixes))
	}
	return w.Flush()
}

func runEngineRemove(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.svc.Engines.Remove(cmd.Context(), args[0], engineForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed engine %s\n", args[0])
	return nil
}
