package main

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/artpar/utter/adapters/postgres"
	"github.com/artpar/utter/adapters/redis"
	"github.com/artpar/utter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the utter configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Redis is reachable (optional)
  - The Postgres ledger is reachable (optional)

Examples:
  utter validate
  utter validate --config /etc/utter/utter.yaml --check-connections`,
	RunE: runValidate,
}

var validateCheckConnections bool

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckConnections, "check-connections", false, "check that redis and postgres are reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Provider: %s\n", checkMark, cfg.Providers.Mode)
	fmt.Fprintf(out, "  %s Ledger: %s\n", checkMark, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Storage: %s\n", checkMark, cfg.Storage.Driver)
	fmt.Fprintf(out, "  %s Billing: %s\n", checkMark, cfg.Billing.Mode)
	counters := "memory"
	if cfg.Redis.Addr != "" {
		counters = "redis " + cfg.Redis.Addr
	}
	fmt.Fprintf(out, "  %s Rate limit counters: %s\n", checkMark, counters)

	if !validateCheckConnections {
		fmt.Fprintln(out, "\nConfiguration is valid.")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	failed := false
	if cfg.Redis.Addr != "" {
		if err := checkRedis(ctx, cfg.Redis); err != nil {
			fmt.Fprintf(out, "  %s Redis reachable: %v\n", crossMark, err)
			failed = true
		} else {
			fmt.Fprintf(out, "  %s Redis reachable\n", checkMark)
		}
	}
	if cfg.Database.Driver == "postgres" {
		if pool, err := postgres.Connect(ctx, cfg.Database.DSN); err != nil {
			fmt.Fprintf(out, "  %s Postgres reachable: %v\n", crossMark, err)
			failed = true
		} else {
			pool.Close()
			fmt.Fprintf(out, "  %s Postgres reachable\n", checkMark)
		}
	}
	if failed {
		return fmt.Errorf("connection checks failed")
	}
	fmt.Fprintln(out, "\nConfiguration is valid.")
	return nil
}

func checkRedis(ctx context.Context, rc config.RedisConfig) error {
	client := goredis.NewClient(&goredis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	defer client.Close()
	return redis.New(client, redis.WithKeyPrefix(rc.KeyPrefix)).Ping(ctx)
}
