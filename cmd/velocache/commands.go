package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/velocityphp/velocity-cache/cache"
	"github.com/velocityphp/velocity-cache/env"
	"github.com/velocityphp/velocity-cache/tui"
)

// errWriteFailed is returned when the cache swallowed a storage fault; the
// details are in the log.
var errWriteFailed = errors.New("the cache did not accept the change, see the log for details")

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <namespace> <key>",
		Short: "Print the cached JSON value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace(args[0])
			if err != nil {
				return err
			}
			v, ok := a.cache.Get(cmd.Context(), ns, args[1])
			if !ok {
				return errors.Newf("%s/%s is not cached", ns, args[1])
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			if tui.IsTerminal(out) {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(v)
		},
	}
}

func (a *app) setCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <namespace> <key> <json>",
		Short: "Store a JSON value under a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace(args[0])
			if err != nil {
				return err
			}
			var v cache.Value
			if err := json.Unmarshal([]byte(args[2]), &v); err != nil {
				return errors.Wrap(err, "value must be a JSON document")
			}
			ttl, err := env.DurationFlagOrEnv(cmd, "ttl", "", 0)
			if err != nil {
				return err
			}
			if !a.cache.Set(cmd.Context(), ns, args[1], v, ttl) {
				return errWriteFailed
			}
			tui.ShowSuccess(cmd.OutOrStdout(), "stored %s/%s", ns, args[1])
			return nil
		},
	}
	cmd.Flags().String("ttl", "", "time to live, e.g. 90s, 1h or 1d (defaults to default_ttl)")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace> <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace(args[0])
			if err != nil {
				return err
			}
			if !a.cache.Delete(cmd.Context(), ns, args[1]) {
				return errWriteFailed
			}
			tui.ShowSuccess(cmd.OutOrStdout(), "deleted %s/%s", ns, args[1])
			return nil
		},
	}
}

func (a *app) invalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <namespace> <pattern>",
		Short: "Remove every key in a namespace matching a pattern ('*' is a wildcard)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace(args[0])
			if err != nil {
				return err
			}
			n := a.cache.InvalidatePattern(cmd.Context(), ns, args[1])
			if n == 0 {
				tui.ShowWarning(cmd.OutOrStdout(), "no keys in %s match %s", ns, args[1])
				return nil
			}
			tui.ShowSuccess(cmd.OutOrStdout(), "removed %s from %s", entries(n), ns)
			return nil
		},
	}
}

func (a *app) clearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [namespace]",
		Short: "Remove every entry in a namespace, or in every namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				n := a.cache.ClearAll(cmd.Context())
				tui.ShowSuccess(cmd.OutOrStdout(), "removed %s", entries(n))
				return nil
			}
			ns, err := a.namespace(args[0])
			if err != nil {
				return err
			}
			n := a.cache.ClearNamespace(cmd.Context(), ns)
			tui.ShowSuccess(cmd.OutOrStdout(), "removed %s from %s", entries(n), ns)
			return nil
		},
	}
}

func (a *app) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.cache.Sweep(cmd.Context())
			tui.ShowSuccess(cmd.OutOrStdout(), "swept %s", entries(n))
			return nil
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts and sizes per namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			rows := make([][]string, 0, len(stats.Namespaces)+1)
			for _, ns := range stats.NamespaceNames() {
				s := stats.Namespaces[ns]
				rows = append(rows, statsRow(ns, s.Entries, s.Active, s.Expired, s.Bytes))
			}
			rows = append(rows, statsRow(tui.Bold("total"), stats.TotalEntries, stats.ActiveEntries, stats.ExpiredEntries, stats.TotalBytes))
			fmt.Fprintln(out, tui.Title("velocity cache ("+a.cfg.Driver+")"))
			tui.Table(out, []string{"Namespace", "Entries", "Active", "Expired", "Size"}, rows, 1, 2, 3, 4)
			if stats.ExpiredEntries > 0 {
				fmt.Fprintln(out, tui.Muted("run `velocache sweep` to remove expired entries"))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

func statsRow(ns string, total, active, expired, size int64) []string {
	return []string{
		ns,
		strconv.FormatInt(total, 10),
		strconv.FormatInt(active, 10),
		strconv.FormatInt(expired, 10),
		humanize.Bytes(uint64(size)),
	}
}

func entries(n int) string {
	if n == 1 {
		return "1 entry"
	}
	return strconv.Itoa(n) + " entries"
}
