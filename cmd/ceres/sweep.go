package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/ceres/pkg/cli"
	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/lease"
	"mercator-hq/ceres/pkg/ledger/storage"
	"mercator-hq/ceres/pkg/telemetry/logging"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one lease maintenance pass",
	Long: `Run a single sweep over the lease table: overdue ACTIVE leases are
expired, and EXPIRED leases whose renewal grace has lapsed are closed
with their held budget returned.

This is the same pass the server runs on its sweep schedule. Use it
against a stopped server's database, or for one-off cleanup.

Examples:
  # Sweep with the default config
  ceres sweep

  # Sweep a specific database
  ceres sweep --config /etc/ceres/config.yaml`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	logDest := io.Writer(os.Stdout)
	if !verbose {
		logDest = io.Discard
	}
	logger := logging.New(cfg.Logging, logDest)

	store, err := openStore(cfg)
	if err != nil {
		return cli.NewCommandError("sweep", fmt.Errorf("opening ledger store: %w", err))
	}
	defer store.Close()

	manager := lease.NewManager(store, cfg.Lease, lease.WithLogger(logger))
	sweeper := lease.NewSweeper(manager, store, cfg.Lease, logging.Component(logger, "lease-sweeper"))

	ctx := cli.SetupSignalHandler()
	sweeper.Sweep(ctx)

	active, err := store.ListLeasesByState(ctx, storage.LeaseActive)
	if err != nil {
		return cli.NewCommandError("sweep", err)
	}
	expired, err := store.ListLeasesByState(ctx, storage.LeaseExpired)
	if err != nil {
		return cli.NewCommandError("sweep", err)
	}

	fmt.Println("✓ Sweep complete")
	fmt.Printf("  Active leases:            %d\n", len(active))
	fmt.Printf("  Expired awaiting renewal: %d\n", len(expired))
	return nil
}
