package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/utter/bootstrap"
	"github.com/artpar/utter/config"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the utter HTTP server.

The server will:
  - Load configuration from utter.yaml (or --config)
  - Or load configuration from UTTER_* environment variables
  - Open the database and apply migrations
  - Start the task workers and the stale task sweeper
  - Serve /api with rate limiting, auth and credit metering

Environment variables (for container deployments):
  UTTER_AUTH_JWT_SECRET     - Bearer token secret (required)
  UTTER_PROVIDER_MODE       - modal or qwen
  UTTER_DATABASE_PATH       - SQLite file (default: utter.db)
  UTTER_REDIS_ADDR          - Shared rate limit counters
  UTTER_STORAGE_DRIVER      - s3 or memory
  UTTER_LOG_LEVEL           - debug, info, warn, error

Examples:
  utter serve
  utter serve --config /etc/utter/utter.yaml
  utter serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload rate limits and log level when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err != nil && !config.HasEnvConfig() {
		return fmt.Errorf("no configuration found: create %s or set UTTER_AUTH_JWT_SECRET", cfgFile)
	}

	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      hotReload,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return app.Run()
}
