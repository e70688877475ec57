package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcphub/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveConfigPath specifies a custom settings document path. When unset the
// hub looks for .mcphub/config.yaml in the working directory, then the user
// config directory.
var serveConfigPath string

// serveCmd starts the hub.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP hub server",
	Long: `Starts the hub: connects every configured upstream MCP server, joins the
cluster when enabled, and serves the unified MCP endpoint over SSE and
streamable HTTP.

Configuration:
  mcphub loads its settings from .mcphub/config.yaml in the current directory
  or the user config directory. Use --config to point at a specific document.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveDebug, serveConfigPath)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the settings document")
}
