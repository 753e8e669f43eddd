// Package cmd implements the command-line interface for the quartz
// key-value server.
//
// The package is organized into subpackages:
//
//   - serve: Commands for starting and configuring the quartz server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See quartz -help for a list of all commands.
package cmd
