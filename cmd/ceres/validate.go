package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/ceres/pkg/cli"
	"mercator-hq/ceres/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file, apply environment overrides, and check
every field against the validation rules without starting anything.

Examples:
  # Validate the default config
  ceres validate

  # Validate a specific file
  ceres validate --config /etc/ceres/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", err.Error())
	}

	fmt.Printf("✓ Configuration valid: %s\n", cfgFile)
	fmt.Printf("  Listen address:  %s\n", cfg.Server.ListenAddress)
	fmt.Printf("  Storage backend: %s\n", cfg.Storage.Backend)
	fmt.Printf("  Default tranche: %d\n", cfg.Lease.DefaultTranche)
	fmt.Printf("  Lease TTL:       %s\n", cfg.Lease.TTL)
	fmt.Printf("  Policy enabled:  %t\n", cfg.Policy.Enabled)
	fmt.Printf("  Audit enabled:   %t\n", cfg.Audit.Enabled)
	if cfg.Server.AdminToken == "" {
		fmt.Println("  Warning: no admin token set; admin endpoints are disabled")
	}
	return nil
}
