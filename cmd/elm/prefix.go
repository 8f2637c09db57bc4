package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/prefix"
	"github.com/elm-linux/elm/internal/service"
)

var (
	prefixEngine         string
	prefixEnv            []string
	prefixPurgeSnapshots bool
	prefixManifest       string

	prefixCmd = &cobra.Command{
		Use:     "prefix",
		Aliases: []string{"profile"},
		Short:   "Create, clone and delete prefixes",
	}

	prefixCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a prefix bound to an engine",
		Long: `Create a prefix and bootstrap it with the engine's wineboot.

Without --engine the highest installed engine is used. Environment
variables from the config file's prefix.env are recorded first, then
those given with --env.`,
		Example: `  elm prefix create games
  elm prefix create work --engine 9.27.0 --env DXVK_HUD=fps`,
		Args: cobra.ExactArgs(1),
		RunE: runPrefixCreate,
	}

	prefixCloneCmd = &cobra.Command{
		Use:   "clone <source> <target>",
		Short: "Copy a prefix under a new name",
		Args:  cobra.ExactArgs(2),
		RunE:  runPrefixClone,
	}

	prefixDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a prefix",
		Long: `Delete a prefix. Its snapshots are kept unless --purge-snapshots is
given.`,
		Args: cobra.ExactArgs(1),
		RunE: runPrefixDelete,
	}

	prefixInfoCmd = &cobra.Command{
		Use:   "info [name]",
		Short: "Show a prefix and its snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPrefixInfo,
	}

	prefixListCmd = &cobra.Command{
		Use:   "list",
		Short: "List prefixes",
		Args:  cobra.NoArgs,
		RunE:  runPrefixList,
	}

	prefixBindCmd = &cobra.Command{
		Use:   "bind <name> <version>",
		Short: "Bind a prefix to another installed engine",
		Args:  cobra.ExactArgs(2),
		RunE:  runPrefixBind,
	}

	prefixInstallCmd = &cobra.Command{
		Use:   "install [name] --manifest <file>",
		Short: "Install an application into a prefix",
		Long: `Download an application's installer, check it against the sha256 in
its descriptor and run it inside the prefix. Without a name the default
prefix is used. The installer's output is shown as it runs.`,
		Example: `  elm prefix install games --manifest eve-online.jsonc`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runPrefixInstall,
	}

	prefixDefaultCmd = &cobra.Command{
		Use:   "default [name]",
		Short: "Show or set the default prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPrefixDefault,
	}
)

func init() {
	prefixCreateCmd.Flags().StringVar(&prefixEngine, "engine", "", "engine version (default: highest installed)")
	prefixCreateCmd.Flags().StringArrayVar(&prefixEnv, "env", nil, "environment variable KEY=VALUE (repeatable)")
	prefixDeleteCmd.Flags().BoolVar(&prefixPurgeSnapshots, "purge-snapshots", false, "also delete the prefix's snapshots")
	prefixInstallCmd.Flags().StringVar(&prefixManifest, "manifest", "", "application descriptor (required)")
	prefixInstallCmd.MarkFlagRequired("manifest")

	prefixCmd.AddCommand(prefixCreateCmd, prefixCloneCmd, prefixDeleteCmd, prefixInfoCmd, prefixListCmd, prefixBindCmd, prefixInstallCmd, prefixDefaultCmd)
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

func runPrefixCreate(cmd *cobra.Command, args []string) error {
	env, err := parseEnv(prefixEnv)
	if err != nil {
		return err
	}
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	version := prefixEngine
	if version == "" {
		cur, err := sess.svc.Engines.Current()
		if err != nil {
			if errs.IsNotFound(err) {
				return fmt.Errorf("no engine installed\nRun 'elm engine install' first")
			}
			return err
		}
		version = cur.Version
	}

	p, err := sess.svc.Prefixes.Create(cmd.Context(), prefix.CreateRequest{Name: args[0], Engine: version, Env: env})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Created prefix %s on engine %s\n  %s\n", p.Name, p.Engine, p.Path)
	return nil
}

func runPrefixClone(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	p, err := sess.svc.Prefixes.Clone(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Cloned %s to %s\n", args[0], p.Name)
	return nil
}

func runPrefixDelete(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if !sess.svc.Prefixes.Exists(args[0]) {
		return errs.NotFound(errs.KindPrefix, args[0])
	}
	deleted, err := sess.svc.DeletePrefix(cmd.Context(), args[0], prefixPurgeSnapshots)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Deleted prefix %s\n", args[0])
	if len(deleted) > 0 {
		fmt.Fprintf(out, "  and %d snapshot(s): %s\n", len(deleted), strings.Join(deleted, ", "))
	}
	return nil
}

func runPrefixInfo(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	var p *prefix.Prefix
	if len(args) == 1 {
		p, err = sess.svc.Prefixes.Info(args[0])
	} else {
		p, err = sess.svc.Prefixes.Default()
	}
	if err != nil {
		return err
	}
	snaps, err := sess.svc.Snapshots.List(p.Name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:     %s\n", p.Name)
	fmt.Fprintf(out, "Path:     %s\n", p.Path)
	engineNote := ""
	if !sess.svc.Engines.Installed(p.Engine) {
		engineNote = " (not installed)"
	}
	fmt.Fprintf(out, "Engine:   %s%s\n", p.Engine, engineNote)
	fmt.Fprintf(out, "Created:  %s\n", p.Created.Local().Format("2006-01-02 15:04"))
	if p.ClonedFrom != "" {
		fmt.Fprintf(out, "Cloned:   from %s\n", p.ClonedFrom)
	}
	if len(p.Env) > 0 {
		keys := make([]string, 0, len(p.Env))
		for k := range p.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "Env:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s=%s\n", k, p.Env[k])
		}
	}
	fmt.Fprintf(out, "Snapshots: %d\n", len(snaps))
	for _, s := range snaps {
		fmt.Fprintf(out, "  %s  %s  %s\n", s.Name, humanize.Bytes(uint64(s.Size)), humanize.Time(s.Created))
	}
	return nil
}

func runPrefixList(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := sess.svc.Status(cmd.Context(), service.StatusRequest{Sizes: true})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(st.Prefixes) == 0 {
		fmt.Fprintln(out, "No prefixes. Run 'elm prefix create <name>' to create one.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENGINE\tSIZE\tSNAPSHOTS\tCREATED")
	for _, ps := range st.Prefixes {
		name := ps.Prefix.Name
		if ps.Default {
			name += " *"
		}
		engine := ps.Prefix.Engine
		if !ps.EngineInstalled {
			engine += " (missing)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", name, engine, humanize.Bytes(uint64(ps.Size)), ps.Snapshots, humanize.Time(ps.Prefix.Created))
	}
	return w.Flush()
}

func runPrefixBind(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	p, err := sess.svc.Prefixes.Bind(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Prefix %s now uses engine %s\n", p.Name, p.Engine)
	return nil
}

func runPrefixDefault(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		if err := sess.svc.Prefixes.SetDefault(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Default prefix is now %s\n", args[0])
		return nil
	}
	name, err := sess.svc.Prefixes.DefaultName()
	if err != nil {
		return err
	}
	if name == "" {
		fmt.Fprintln(out, "No default prefix set")
		return nil
	}
	fmt.Fprintln(out, name)
	return nil
}

func runPrefixInstall(cmd *cobra.Command, args []string) error {
	sess, err := openSession(cmd, service.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	req := service.AppInstallRequest{Manifest: prefixManifest, Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()}
	if len(args) == 1 {
		req.Prefix = args[0]
	}
	res, err := sess.svc.InstallApp(cmd.Context(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Installed into %s\n", res.InstallDir)
	if !res.Verified {
		fmt.Fprintf(out, "  installer was not verified (sha256 %s)\n", res.Digest)
	}
	return nil
}
