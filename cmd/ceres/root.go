package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ceres",
	Short: "Ceres - budget control engine for autonomous agents",
	Long: `Ceres is a budget control engine that meters spending by autonomous
agents in integer micro-units.

Agents draw spending capacity through short-lived budget leases backed
by reservations against a central ledger, file requests when they need
a larger allocation, and are subject to spending policy with automatic
lease revocation:
  - Integer micro-unit ledger with reserve/commit/release accounting
  - Budget leases with TTL, renewal grace, and background sweeping
  - Race-safe approval workflow for allocation increases
  - Windowed spend and renewal-rate policy enforcement
  - Append-only audit journal with scheduled retention`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.CompletionOptions.DisableDefaultCmd = false
}
