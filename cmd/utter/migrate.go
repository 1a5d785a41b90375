package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/utter/adapters/sqlite"
	"github.com/artpar/utter/config"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply pending SQLite migrations.

The Postgres ledger schema, when configured, is created by serve on startup.

Examples:
  utter migrate
  utter migrate --dry-run`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list pending migrations without applying them")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pending, err := db.Pending()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "Database is up to date.")
		return nil
	}
	for _, name := range pending {
		fmt.Fprintf(out, "  pending: %s\n", name)
	}
	if migrateDryRun {
		return nil
	}

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(out, "Applied %d migration(s).\n", len(pending))
	return nil
}
