package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/aschepis/backscratcher/bluechat/ratelimit"
	"github.com/spf13/cobra"
)

func newLimitsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show remaining message and image quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "KIND\tALLOWED\tREMAINING\tRESETS")
			for _, kind := range []ratelimit.Kind{ratelimit.KindMessage, ratelimit.KindImage} {
				st, err := a.limiter.Check(cmd.Context(), a.cfg.Chat.UserID, kind)
				if err != nil {
					return fmt.Errorf("check %s limit: %w", kind, err)
				}
				_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", kind, st.Allowed, remaining(st), resetTime(st.ResetAt))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(newLimitsResetCmd(g))
	return cmd
}

func newLimitsResetCmd(g *globalOptions) *cobra.Command {
	var kinds []string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset local quota counters for the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit

			if a.sqlStore == nil {
				return fmt.Errorf("reset is only supported for the sqlite rate limit backend")
			}
			ks := make([]ratelimit.Kind, 0, len(kinds))
			for _, k := range kinds {
				ks = append(ks, ratelimit.Kind(k))
			}
			if err := a.sqlStore.Reset(cmd.Context(), a.cfg.Chat.UserID, ks...); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Quota reset")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Kinds to reset: message, image (default all)")
	return cmd
}

func remaining(st ratelimit.Status) string {
	if st.Remaining < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", st.Remaining)
}

func resetTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
