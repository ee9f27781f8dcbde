package config

import "time"

// Budget amounts are integer micro-units: 1_000_000 micros = 1 unit of
// the billing currency.
const (
	// DefaultTranche is granted per lease cycle absent an explicit ask.
	DefaultTranche int64 = 10_000_000

	// MaxTranche is the hard ceiling for any single lease cycle.
	MaxTranche int64 = 100_000_000
)

// ApplyDefaults fills in zero-valued fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = ":8750"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "ceres.db"
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = 5 * time.Second
	}

	if cfg.Lease.DefaultTranche == 0 {
		cfg.Lease.DefaultTranche = DefaultTranche
	}
	if cfg.Lease.MaxTranche == 0 {
		cfg.Lease.MaxTranche = MaxTranche
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = time.Hour
	}
	if cfg.Lease.RenewGrace == 0 {
		cfg.Lease.RenewGrace = 60 * time.Second
	}
	if cfg.Lease.SweepSchedule == "" {
		cfg.Lease.SweepSchedule = "* * * * *"
	}

	if cfg.Policy.Window == 0 {
		cfg.Policy.Window = 10 * time.Minute
	}

	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = "ceres-audit.db"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Audit.RetentionSchedule == "" {
		cfg.Audit.RetentionSchedule = "30 3 * * *"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "ceres"
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Metrics.Enabled = true
	cfg.Audit.Enabled = true
	cfg.Policy.Enabled = true
	return cfg
}
