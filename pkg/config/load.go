package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults,
// and validates the result. Environment variables are not consulted;
// use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Variables follow the naming
// convention CERES_SECTION_FIELD (e.g. CERES_SERVER_LISTEN_ADDRESS)
// and always take precedence over file values.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envString("CERES_SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("CERES_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("CERES_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("CERES_SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("CERES_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envInt64("CERES_SERVER_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	envString("CERES_SERVER_ADMIN_TOKEN", &cfg.Server.AdminToken)

	envString("CERES_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("CERES_STORAGE_DB_PATH", &cfg.Storage.DBPath)
	envDuration("CERES_STORAGE_BUSY_TIMEOUT", &cfg.Storage.BusyTimeout)

	envInt64("CERES_LEASE_DEFAULT_TRANCHE", &cfg.Lease.DefaultTranche)
	envInt64("CERES_LEASE_MAX_TRANCHE", &cfg.Lease.MaxTranche)
	envDuration("CERES_LEASE_TTL", &cfg.Lease.TTL)
	envDuration("CERES_LEASE_RENEW_GRACE", &cfg.Lease.RenewGrace)
	envString("CERES_LEASE_SWEEP_SCHEDULE", &cfg.Lease.SweepSchedule)

	envBool("CERES_POLICY_ENABLED", &cfg.Policy.Enabled)
	envDuration("CERES_POLICY_WINDOW", &cfg.Policy.Window)
	envInt64("CERES_POLICY_MAX_SPEND_PER_WINDOW", &cfg.Policy.MaxSpendPerWindow)
	envInt("CERES_POLICY_MAX_RENEWALS_PER_WINDOW", &cfg.Policy.MaxRenewalsPerWindow)
	envInt("CERES_POLICY_MAX_ORIGINS_PER_WINDOW", &cfg.Policy.MaxOriginsPerWindow)
	envBool("CERES_POLICY_AUTO_REVOKE", &cfg.Policy.AutoRevoke)
	envBool("CERES_POLICY_PAUSE_AGENT", &cfg.Policy.PauseAgent)
	envString("CERES_POLICY_THRESHOLDS_PATH", &cfg.Policy.ThresholdsPath)

	envBool("CERES_AUDIT_ENABLED", &cfg.Audit.Enabled)
	envString("CERES_AUDIT_DB_PATH", &cfg.Audit.DBPath)
	envInt("CERES_AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)
	envString("CERES_AUDIT_RETENTION_SCHEDULE", &cfg.Audit.RetentionSchedule)

	envString("CERES_LOGGING_LEVEL", &cfg.Logging.Level)
	envString("CERES_LOGGING_FORMAT", &cfg.Logging.Format)
	envBool("CERES_LOGGING_ADD_SOURCE", &cfg.Logging.AddSource)

	envBool("CERES_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("CERES_METRICS_NAMESPACE", &cfg.Metrics.Namespace)
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envInt64(key string, dst *int64) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}
