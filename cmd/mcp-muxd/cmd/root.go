// Package cmd provides the CLI commands for mcp-muxd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgDir string

var rootCmd = &cobra.Command{
	Use:   "mcp-muxd",
	Short: "Multiplex many MCP services behind one aggregated catalog",
	Long: `mcp-muxd connects to a set of upstream MCP services (stdio, SSE, or
streamable-HTTP), aggregates their tools into one namespaced catalog, and
re-exports that catalog to downstream WebSocket and local MCP clients.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "directory containing the xiaozhi config file (default: XIAOZHI_CONFIG_DIR or working directory)")
}

// Execute runs the root command, printing any error to stderr and
// exiting non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
