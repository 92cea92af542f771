// Command bluechat is a terminal client for streaming chat completions with
// provider fallback and image generation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	logFile    string
	pretty     bool
	dbPath     string
	userID     string
}

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "bluechat",
		Short:         "Streaming chat with automatic provider fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logFile != "" && opts.pretty {
				return fmt.Errorf("--logfile and --pretty are mutually exclusive")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default ~/.bluechat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "logfile", "", "Path to log file. If not set, logs to stderr")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Use pretty console logs (only valid when logfile is not set)")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "Path to SQLite database file")
	rootCmd.PersistentFlags().StringVar(&opts.userID, "user", "", "User id for quotas and chat history")

	rootCmd.AddCommand(newChatCmd(opts))
	rootCmd.AddCommand(newImageCmd(opts))
	rootCmd.AddCommand(newLimitsCmd(opts))
	rootCmd.AddCommand(newChatsCmd(opts))
	rootCmd.AddCommand(newPersonasCmd(opts))
	rootCmd.AddCommand(newModelsCmd())

	return rootCmd
}
