package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for internal consistency. It is
// called after defaults and again after environment overrides.
func Validate(cfg *Config) error {
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	switch cfg.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be \"sqlite\" or \"memory\", got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "sqlite" && cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path cannot be empty for sqlite backend")
	}

	if cfg.Lease.DefaultTranche <= 0 {
		return fmt.Errorf("lease.default_tranche must be positive")
	}
	if cfg.Lease.MaxTranche < cfg.Lease.DefaultTranche {
		return fmt.Errorf("lease.max_tranche (%d) must be at least lease.default_tranche (%d)",
			cfg.Lease.MaxTranche, cfg.Lease.DefaultTranche)
	}
	if cfg.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if cfg.Lease.RenewGrace < 0 {
		return fmt.Errorf("lease.renew_grace cannot be negative")
	}
	if err := validateCronSpec("lease.sweep_schedule", cfg.Lease.SweepSchedule); err != nil {
		return err
	}

	if cfg.Policy.Enabled {
		if cfg.Policy.Window <= 0 {
			return fmt.Errorf("policy.window must be positive")
		}
		if cfg.Policy.MaxSpendPerWindow < 0 {
			return fmt.Errorf("policy.max_spend_per_window cannot be negative")
		}
		if cfg.Policy.MaxRenewalsPerWindow < 0 {
			return fmt.Errorf("policy.max_renewals_per_window cannot be negative")
		}
		if cfg.Policy.MaxOriginsPerWindow < 0 {
			return fmt.Errorf("policy.max_origins_per_window cannot be negative")
		}
	}

	if cfg.Audit.Enabled {
		if cfg.Audit.DBPath == "" {
			return fmt.Errorf("audit.db_path cannot be empty when audit is enabled")
		}
		if cfg.Audit.RetentionDays <= 0 {
			return fmt.Errorf("audit.retention_days must be positive")
		}
		if err := validateCronSpec("audit.retention_schedule", cfg.Audit.RetentionSchedule); err != nil {
			return err
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", cfg.Logging.Format)
	}

	return nil
}

func validateCronSpec(field, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: invalid cron spec %q: %w", field, spec, err)
	}
	return nil
}
