package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is injected from main via SetVersion.
var version = "dev"

// SetVersion records the build version for the version command.
func SetVersion(v string) {
	version = v
}

// rootCmd is the base command of the mcphub CLI.
var rootCmd = &cobra.Command{
	Use:   "mcphub",
	Short: "Aggregate many MCP servers behind a single MCP endpoint",
	Long: `mcphub is a gateway that aggregates multiple upstream Model Context
Protocol servers behind one MCP-compatible endpoint. Clients see a unified
tool and prompt namespace; the hub multiplexes each request to the right
upstream over stdio, SSE, streamable HTTP, or an OpenAPI translation.`,
	SilenceUsage: true,
}

// Execute runs the CLI. Fatal initialization errors exit non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
