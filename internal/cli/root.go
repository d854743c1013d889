// Package cli implements the syncctl command line.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// RootOptions holds global flags.
type RootOptions struct {
	LogLevel  string
	LogFormat string
}

// NewRootCommand creates the syncctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "agentsync operator tooling",
		Long: `syncctl gates promotion with the shadow parity harness and follows
streams through the same sync lifecycle remote clients run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", string(logger.FormatConsole), "log format (console|json)")

	cmd.AddCommand(NewParityCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))

	return cmd
}

// Execute runs syncctl with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return exitCode(cmd.ExecuteContext(ctx), stderr)
}

// newLogger writes logs to the command's stderr so stdout stays machine readable.
func newLogger(cmd *cobra.Command, opts *RootOptions) (*logger.Logger, error) {
	return logger.NewWithOptions(logger.Options{
		Level:  opts.LogLevel,
		Format: logger.Format(opts.LogFormat),
		Output: cmd.ErrOrStderr(),
	})
}
