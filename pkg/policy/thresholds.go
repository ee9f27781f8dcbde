package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds are the limits the rules compare activity against. A zero
// value disables the corresponding rule.
type Thresholds struct {
	// MaxSpendPerWindow is the per-agent spend ceiling inside one
	// rolling window, in micro-units.
	MaxSpendPerWindow int64 `yaml:"max_spend_per_window"`

	// MaxRenewalsPerWindow caps renewals per agent inside one window.
	MaxRenewalsPerWindow int `yaml:"max_renewals_per_window"`

	// MaxOriginsPerWindow caps the distinct network origins presenting
	// one lease's tokens inside one window.
	MaxOriginsPerWindow int `yaml:"max_origins_per_window"`
}

// LoadThresholds reads thresholds from a YAML file.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("failed to read thresholds file %q: %w", path, err)
	}

	var t Thresholds
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Thresholds{}, fmt.Errorf("failed to parse thresholds file %q: %w", path, err)
	}
	if t.MaxSpendPerWindow < 0 || t.MaxRenewalsPerWindow < 0 || t.MaxOriginsPerWindow < 0 {
		return Thresholds{}, fmt.Errorf("thresholds cannot be negative")
	}
	return t, nil
}
