// Ceres is a budget control engine for autonomous agents.
//
// It meters agent spending in integer micro-units through short-lived
// budget leases, routes allocation increases through an approval
// workflow, and enforces spending policy with automatic revocation.
//
// Usage:
//
//	# Start the server with default configuration
//	ceres run
//
//	# Start with a custom configuration file
//	ceres run --config /etc/ceres/config.yaml
//
//	# Validate configuration without starting
//	ceres validate
//
//	# Run one maintenance sweep over the lease table
//	ceres sweep
//
//	# Export the audit journal as CSV
//	ceres audit export --format csv --out audit.csv
//
//	# Show version information
//	ceres version
package main

func main() {
	Execute()
}
