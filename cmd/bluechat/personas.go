package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/aschepis/backscratcher/bluechat/conversations"
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/spf13/cobra"
)

func newPersonasCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List personas visible to the current user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit

			personas, err := a.store.ListPersonas(cmd.Context(), a.cfg.Chat.UserID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tMODEL\tPUBLIC")
			for _, p := range personas {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.ID, p.Name, p.Model, p.Public)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(newPersonaCreateCmd(g))
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <persona-id>",
		Short: "Delete a persona you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit
			return a.store.DeletePersona(cmd.Context(), a.cfg.Chat.UserID, args[0])
		},
	})
	return cmd
}

func newPersonaCreateCmd(g *globalOptions) *cobra.Command {
	var p conversations.Persona

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit

			if _, ok := llm.DefaultRegistry().Lookup(p.Model); !ok {
				return fmt.Errorf("unknown model %q", p.Model)
			}
			p.UserID = a.cfg.Chat.UserID
			created, err := a.store.CreatePersona(cmd.Context(), p)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&p.Name, "name", "", "Persona name")
	cmd.Flags().StringVar(&p.SystemPrompt, "prompt", "", "System prompt")
	cmd.Flags().StringVar(&p.Model, "model", llm.ModelGPT4, "Preferred model")
	cmd.Flags().BoolVar(&p.Public, "public", false, "Make the persona visible to every user")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}
