package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "utter",
	Short: "Credit-metered text-to-speech task service",
	Long: `utter runs speech generation, voice design and voice cloning tasks
against Modal or Qwen, charging each request against a credit ledger.

Quick start:
  utter validate    # Check the configuration
  utter migrate     # Apply database migrations
  utter serve       # Start the HTTP server

Operations:
  utter credits     # Inspect and adjust balances
  utter token       # Mint a development bearer token`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "utter.yaml", "config file path")
}
