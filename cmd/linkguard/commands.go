package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haukened/linkguard/internal/guard/gateways/transport"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

var errInvalidToggle = errors.New("expected on or off")

func newOpenCmd(client func() (daemon, error)) *cobra.Command {
	var layer string
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "open URL",
		Short: "Open a link, checking it first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.Open(cmd.Context(), args[0], layer)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printAction(out, res.Action)
			if res.Opened || res.Action.Kind == "suppressed" {
				return nil
			}
			if !assumeYes && !confirm(cmd.InOrStdin(), out, "Open anyway? [y/N] ") {
				_, _ = dimColor.Fprintln(out, "not opened")
				return nil
			}
			if err := c.OpenAnyway(cmd.Context(), res.Action.URL, res.Action.Verdict); err != nil {
				return err
			}
			_, _ = warnColor.Fprintln(out, "opened at your request")
			return nil
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "entry point: link_hook, screen_scan or manual (default link_hook)")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "open flagged links without asking")
	return cmd
}

func newCheckCmd(client func() (daemon, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "check URL",
		Short: "Classify a link without opening it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			a, err := c.Resolve(cmd.Context(), args[0], "manual")
			if err != nil {
				return err
			}
			printAction(cmd.OutOrStdout(), a)
			return nil
		},
	}
}

func newApproveCmd(client func() (daemon, error)) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "approve URL",
		Short: "Mark a link as safe to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.Approve(cmd.Context(), args[0], ttl); err != nil {
				return err
			}
			_, _ = okColor.Fprintf(cmd.OutOrStdout(), "approved %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "approval lifetime (default: daemon setting)")
	return cmd
}

func newForgetCmd(client func() (daemon, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "forget URL",
		Short: "Drop the approval for a link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
			return nil
		},
	}
}

func newClearCmd(client func() (daemon, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.ClearCache(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "approval cache cleared")
			return nil
		},
	}
}

func newPurgeCmd(client func() (daemon, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired approvals now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			n, err := c.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired approvals\n", n)
			return nil
		},
	}
}

func newStatsCmd(client func() (daemon, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine, cache and history statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newProtectCmd(client func() (daemon, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "protect [link_hook|screen_scan on|off]",
		Short: "Show or change per-layer protection",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or a layer and on|off")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var p transport.Protection
			if len(args) == 0 {
				p, err = c.Protection(cmd.Context())
			} else {
				var on bool
				on, err = parseToggle(args[1])
				if err != nil {
					return err
				}
				var req transport.Protection
				switch args[0] {
				case "link_hook":
					req.LinkHook = &on
				case "screen_scan":
					req.ScreenScan = &on
				default:
					return fmt.Errorf("unknown layer %q", args[0])
				}
				p, err = c.SetProtection(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSwitch(out, "link_hook", p.LinkHook)
			printSwitch(out, "screen_scan", p.ScreenScan)
			return nil
		},
	}
}

func newHistoryCmd(client func() (daemon, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent classifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive")
			}
			c, err := client()
			if err != nil {
				return err
			}
			scans, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range scans {
				_, _ = dimColor.Fprintf(out, "%s ", s.Timestamp.Local().Format(time.DateTime))
				_, _ = severityColor(s.Severity).Fprintf(out, "%-8s", s.Severity)
				_, _ = fmt.Fprintf(out, " %.2f %-11s %s\n", s.Confidence, s.Layer, s.URL)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func printAction(out io.Writer, a transport.Action) {
	switch a.Kind {
	case "open_directly":
		_, _ = okColor.Fprintf(out, "open %s (%s)\n", a.URL, a.Reason)
	case "force_open":
		_, _ = warnColor.Fprintf(out, "loop detected after %d attempts, opened %s in the fallback viewer\n", a.Attempt-1, a.URL)
	case "suppressed":
		_, _ = dimColor.Fprintf(out, "skipped %s (%s)\n", a.URL, a.Reason)
	case "classified":
		switch a.Verdict {
		case "safe":
			_, _ = okColor.Fprintf(out, "safe %s (confidence %.2f)\n", a.URL, a.Confidence)
		case "phishing":
			_, _ = badColor.Fprintf(out, "PHISHING %s (confidence %.2f)\n", a.URL, a.Confidence)
		default:
			_, _ = warnColor.Fprintf(out, "could not check %s: %s\n", a.URL, a.ErrorKind)
		}
	default:
		_, _ = fmt.Fprintf(out, "%s %s\n", a.Kind, a.URL)
	}
}

func printStats(out io.Writer, st transport.Stats) {
	_, _ = fmt.Fprintf(out, "resolves         %d\n", st.Resolves)
	_, _ = fmt.Fprintf(out, "classifications  %d (safe %d, phishing %d, errors %d)\n",
		st.Classifications, st.Safe, st.Phishing, st.ClassifyErrors)
	_, _ = fmt.Fprintf(out, "approved hits    %d\n", st.ApprovedHits)
	_, _ = fmt.Fprintf(out, "forced opens     %d (ceiling %d, tracked %d)\n", st.ForcedOpens, st.LoopCeiling, st.LoopTracked)
	_, _ = fmt.Fprintf(out, "suppressed       %d\n", st.Suppressed)
	_, _ = fmt.Fprintf(out, "unprotected      %d\n", st.ProtectionOff)
	_, _ = fmt.Fprintf(out, "cache            %d approvals, hot %d/%d (hits %d, misses %d)\n",
		st.Cache.Size, st.Cache.HotSize, st.Cache.HotCapacity, st.Cache.HotHits, st.Cache.HotMisses)
	if h := st.History; h != nil {
		_, _ = fmt.Fprintf(out, "history          %d scans (%d phishing)\n", h.Total, h.Phishing)
		sevs := make([]string, 0, len(h.BySeverity))
		for s := range h.BySeverity {
			sevs = append(sevs, s)
		}
		sort.Strings(sevs)
		for _, s := range sevs {
			_, _ = fmt.Fprintf(out, "  %-14s %d\n", s, h.BySeverity[s])
		}
	}
}

func printSwitch(out io.Writer, name string, on *bool) {
	state, c := "off", warnColor
	if on != nil && *on {
		state, c = "on", okColor
	}
	_, _ = fmt.Fprintf(out, "%-12s ", name)
	_, _ = c.Fprintln(out, state)
}

func severityColor(s string) *color.Color {
	switch s {
	case "critical", "high":
		return badColor
	case "medium":
		return warnColor
	default:
		return okColor
	}
}

func parseToggle(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w, got %q", errInvalidToggle, s)
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
