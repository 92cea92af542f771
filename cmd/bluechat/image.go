package main

import (
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/bluechat/config"
	"github.com/spf13/cobra"
)

func newImageCmd(g *globalOptions) *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "image <prompt>",
		Short: "Generate an image and print its URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if backend != "" && backend != config.ImageBackendAIML && backend != config.ImageBackendReplicate {
				return fmt.Errorf("--backend must be %q or %q", config.ImageBackendAIML, config.ImageBackendReplicate)
			}

			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit

			svc, err := a.imageService(backend)
			if err != nil {
				return err
			}
			img, err := svc.Generate(cmd.Context(), a.cfg.Chat.UserID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), img.URL)
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Image backend: aiml or replicate (default from config)")
	return cmd
}
