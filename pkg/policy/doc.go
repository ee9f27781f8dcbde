// Package policy watches lease activity for anomalous spending and
// enforces revocation.
//
// Each agent's recent activity is tracked in rolling windows: total
// spend and renewal count over the configured window. Rules compare
// the windows against thresholds; a tripped rule is a violation. With
// auto-revoke enabled the offending lease is revoked immediately and
// the agent may additionally be paused, blocking new handshakes until
// an operator steps in.
//
// Thresholds can be hot-reloaded from a watched YAML file, so
// operators can tighten limits during an incident without a restart.
package policy
