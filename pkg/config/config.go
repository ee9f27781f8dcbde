package config

import "time"

// Config is the root configuration for the ceres service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Lease   LeaseConfig   `yaml:"lease"`
	Policy  PolicyConfig  `yaml:"policy"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	// ListenAddress is the host:port the API listens on.
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum keep-alive idle time.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// AdminToken authorizes approval decisions, overrides, pauses, and
	// revocations. Requests present it in the X-Admin-Token header.
	AdminToken string `yaml:"admin_token"`
}

// StorageConfig controls the ledger database.
type StorageConfig struct {
	// Backend selects the store implementation: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`

	// BusyTimeout is how long SQLite waits for locks before failing.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// LeaseConfig controls lease issuance and renewal.
type LeaseConfig struct {
	// DefaultTranche is the budget granted per lease cycle when the
	// handshake does not ask for a specific amount, in micro-units.
	DefaultTranche int64 `yaml:"default_tranche"`

	// MaxTranche caps the budget any single cycle may hold.
	MaxTranche int64 `yaml:"max_tranche"`

	// TTL is the wall-clock lifetime of one lease cycle.
	TTL time.Duration `yaml:"ttl"`

	// RenewGrace is how long after expiry a lease remains renewable
	// before it is swept closed.
	RenewGrace time.Duration `yaml:"renew_grace"`

	// SweepSchedule is the cron spec for the expiry sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// PolicyConfig controls anomaly detection over lease usage.
type PolicyConfig struct {
	// Enabled turns usage policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Window is the rolling window over which spend velocity is
	// measured.
	Window time.Duration `yaml:"window"`

	// MaxSpendPerWindow is the per-agent spend ceiling inside one
	// window, in micro-units. Zero disables the velocity rule.
	MaxSpendPerWindow int64 `yaml:"max_spend_per_window"`

	// MaxRenewalsPerWindow caps renewals per agent inside one window.
	// Zero disables the rule.
	MaxRenewalsPerWindow int `yaml:"max_renewals_per_window"`

	// MaxOriginsPerWindow caps the distinct network origins that may
	// present one lease's tokens inside one window. Zero disables the
	// rule.
	MaxOriginsPerWindow int `yaml:"max_origins_per_window"`

	// AutoRevoke revokes the offending lease when a rule trips.
	// When false violations are logged and counted only.
	AutoRevoke bool `yaml:"auto_revoke"`

	// PauseAgent additionally pauses the agent on revocation, blocking
	// new handshakes until an operator intervenes.
	PauseAgent bool `yaml:"pause_agent"`

	// ThresholdsPath optionally points at a YAML file whose velocity
	// thresholds override the static ones above. The file is watched
	// and reloaded on change.
	ThresholdsPath string `yaml:"thresholds_path"`
}

// AuditConfig controls the append-only audit journal.
type AuditConfig struct {
	// Enabled turns audit journaling on.
	Enabled bool `yaml:"enabled"`

	// DBPath is the journal database file path.
	DBPath string `yaml:"db_path"`

	// RetentionDays is how long journal entries are kept.
	RetentionDays int `yaml:"retention_days"`

	// RetentionSchedule is the cron spec for the pruning job.
	RetentionSchedule string `yaml:"retention_schedule"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the output format ("json" or "text").
	Format string `yaml:"format"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
}
