// Package cmd provides CLI commands for the spm binary.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cli/reader"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for plan, nodes and metrics.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (plan, nodes, metrics only)",
	}

	// AddrFlag is the coordinator API that read-only commands query.
	AddrFlag = &cli.StringFlag{
		Name:    "addr",
		Usage:   "Coordinator HTTP API address",
		Value:   reader.DefaultAddr,
		EnvVars: []string{"SPM_ADDR"},
	}
)

// Shared flags for commands that read spm.yaml.
var (
	// ConfigFlag points at the config file. spm.yaml in the working
	// directory is used when present.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to spm.yaml",
		EnvVars: []string{"SPM_CONFIG"},
	}

	// LogLevelFlag overrides log_level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}

	// NodeIDFlag overrides node_id.
	NodeIDFlag = &cli.StringFlag{
		Name:  "node-id",
		Usage: "Node id (overrides node_id)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// APIReadOnlyFlags returns the read-only flags plus --addr.
func APIReadOnlyFlags() []cli.Flag {
	return append(ReadOnlyFlags(), AddrFlag)
}

// ProcessFlags returns the flags shared by long-running and generating
// commands.
func ProcessFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		LogLevelFlag,
		NodeIDFlag,
	}
}
