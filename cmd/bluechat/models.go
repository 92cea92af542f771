package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List selectable models",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := llm.DefaultRegistry()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tFALLBACK\tDESCRIPTION")
			for _, m := range registry.Models() {
				fallback := "-"
				if r := registry.Resolve(m.ID); r.Fallback != nil {
					fallback = r.Fallback.ID
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Provider, fallback, m.Description)
			}
			return w.Flush()
		},
	}
}
