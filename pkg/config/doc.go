// Package config defines the configuration model for the ceres budget
// control service and loads it from YAML files with environment
// variable overrides.
//
// The loading sequence is: parse YAML, apply defaults, apply CERES_*
// environment overrides, validate. Environment variables always take
// precedence over file-based configuration.
package config
