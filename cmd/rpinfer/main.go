// Command rpinfer acquires two ADC channels of the board, runs inference
// on every chunk and persists raw data and results.
//
// Usage:
//
//	rpinfer run [flags]
//	rpinfer config [flags]
//
// Configuration is read from an optional YAML file and RPINFER_*
// environment variables. Explicitly set flags take precedence.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	successExitCode = 0
	errorExitCode   = 1
)

type cli struct {
	args   []string
	stdout io.Writer
	stderr io.Writer
}

// run executes the command line and returns process exit code.
func (c *cli) run(ctx context.Context) int {
	root := newRootCommand()
	root.SetArgs(c.args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(c.stderr, "Error:", err)
		return errorExitCode
	}
	return successExitCode
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "rpinfer",
		Short:         "Real-time acquisition and inference pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to YAML configuration file")
	root.AddCommand(newRunCommand(), newConfigCommand())
	return root
}

func main() {
	c := cli{
		args:   os.Args[1:],
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	os.Exit(c.run(context.Background()))
}
