package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"mercator-hq/ceres/pkg/approval"
	"mercator-hq/ceres/pkg/audit"
	"mercator-hq/ceres/pkg/cli"
	"mercator-hq/ceres/pkg/config"
	"mercator-hq/ceres/pkg/lease"
	"mercator-hq/ceres/pkg/ledger"
	"mercator-hq/ceres/pkg/ledger/storage"
	"mercator-hq/ceres/pkg/policy"
	"mercator-hq/ceres/pkg/server"
	"mercator-hq/ceres/pkg/telemetry/logging"
	"mercator-hq/ceres/pkg/telemetry/metrics"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the ceres server",
	Long: `Start the ceres budget control server with the specified configuration.

The server exposes the ledger, lease, and approval APIs over HTTP and
runs the lease sweeper, policy engine, and audit retention in the
background.

Examples:
  # Start with default config
  ceres run

  # Start with custom config
  ceres run --config /etc/ceres/config.yaml

  # Override listen address
  ceres run --listen 0.0.0.0:8750

  # Validate config without starting the server
  ceres run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

// openStore opens the ledger store named by the configuration.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return storage.NewSQLiteStoreWithConfig(storage.SQLiteConfig{
			DBPath:      cfg.Storage.DBPath,
			BusyTimeout: cfg.Storage.BusyTimeout,
		})
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Ceres v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)
	fmt.Println("✓ Configuration loaded")

	store, err := openStore(cfg)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("opening ledger store: %w", err))
	}
	defer store.Close()
	fmt.Printf("✓ Ledger store ready (%s)\n", cfg.Storage.Backend)

	collector := metrics.NewCollector(cfg.Metrics, prometheus.NewRegistry())

	// Audit journal (if enabled)
	var journal *audit.Journal
	var pruner *audit.Pruner
	if cfg.Audit.Enabled {
		journal, err = audit.Open(audit.Config{
			DBPath:      cfg.Audit.DBPath,
			BusyTimeout: cfg.Storage.BusyTimeout,
		}, logging.Component(logger, "audit"))
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("opening audit journal: %w", err))
		}
		defer journal.Close()

		if cfg.Audit.RetentionSchedule != "" {
			pruner = audit.NewPruner(journal, cfg.Audit.RetentionDays, cfg.Audit.RetentionSchedule,
				logging.Component(logger, "audit-retention"))
			if err := pruner.Start(); err != nil {
				return cli.NewCommandError("run", fmt.Errorf("starting retention pruner: %w", err))
			}
			defer pruner.Stop()
		}
		fmt.Println("✓ Audit journal ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The engine needs the lease manager for revocation and the manager
	// needs the engine as its observer; the function adapter breaks the
	// construction cycle.
	var manager *lease.Manager
	engine := policy.NewEngine(cfg.Policy, store,
		policy.WithLogger(logging.Component(logger, "policy")),
		policy.WithMetrics(collector),
		policy.WithRevoker(policy.RevokerFunc(func(ctx context.Context, leaseID, reason string) (int64, error) {
			return manager.Revoke(ctx, leaseID, reason)
		})))
	manager = lease.NewManager(store, cfg.Lease,
		lease.WithLogger(logging.Component(logger, "lease")),
		lease.WithMetrics(collector),
		lease.WithObserver(engine))

	if cfg.Policy.Enabled {
		if err := engine.StartWatching(ctx); err != nil {
			slog.Warn("policy thresholds watcher failed to start", "error", err)
		}
		fmt.Println("✓ Policy engine ready")
	}

	sweeper := lease.NewSweeper(manager, store, cfg.Lease, logging.Component(logger, "lease-sweeper"))
	if err := sweeper.Start(); err != nil {
		return cli.NewCommandError("run", fmt.Errorf("starting sweeper: %w", err))
	}
	defer sweeper.Stop()

	srv := server.New(cfg.Server, server.Deps{
		Ledger:   ledger.New(store, ledger.WithLogger(logging.Component(logger, "ledger"))),
		Leases:   manager,
		Requests: approval.NewWorkflow(store, approval.WithLogger(logging.Component(logger, "approval")), approval.WithMetrics(collector)),
		Journal:  journal,
		Metrics:  collector,
		Logger:   logger,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	fmt.Println()
	fmt.Printf("✓ Server listening on %s\n", cfg.Server.ListenAddress)
	fmt.Printf("✓ Health endpoint: http://%s/healthz\n", cfg.Server.ListenAddress)
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Server.ListenAddress)
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := cli.WaitForShutdown()

	select {
	case err := <-errChan:
		return cli.NewCommandError("run", err)
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal %s, shutting down gracefully...\n", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
			return cli.NewCommandError("run", err)
		}

		fmt.Println("✓ Server stopped")
		return nil
	}
}
