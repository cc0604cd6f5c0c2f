package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "webssh",
	Short: "Browser terminal bridged to SSH over WebSocket",
	Long: `webssh serves a browser terminal page and bridges each WebSocket
connection at /api/ssh to one interactive SSH session.

Settings are read from WEBSSH_* environment variables; flags on the serve
command override them.`,
	// Running webssh without a subcommand starts the server.
	RunE: runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SilenceUsage = true
}
