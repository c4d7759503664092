// Package cmd contains the parley CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley conversational agent server",
	Long: `Parley serves conversational AI agents over HTTP: per-turn execution
with knowledge-base retrieval, webhook/MCP/agent tools, and SSE streaming.

Run "parley serve" to start the API server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
