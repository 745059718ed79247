// Package main provides the spm CLI entrypoint.
//
// Usage:
//
//	spm <command> [subcommand] [options]
//
// Exit codes for generate:
//   - 0: session completed
//   - 1: session failed after setup
//   - 2: setup failed (no plan, unreachable stage)
//   - 3: invalid input (prompt, sampling, config)
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cli/cmd"
	"github.com/pithecene-io/spm/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "spm",
		Usage:          "Pipeline-parallel inference across layer-sharded nodes",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.GenerateCommand(),
			cmd.ServeCommand(),
			cmd.WorkerCommand(),
			cmd.PlanCommand(),
			cmd.NodesCommand(),
			cmd.SessionsCommand(),
			cmd.MetricsCommand(),
			cmd.HealthCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}

// report prints err and returns its exit code.
func report(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() is "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
