/*
Package cli provides command-line utilities for the ceres binary.

It includes output formatters (text, JSON, CSV), a progress reporter for
long exports, typed command errors, and signal handling for graceful
shutdown:

	ctx := cli.SetupSignalHandler()
	// ctx is cancelled on SIGINT/SIGTERM
*/
package cli
