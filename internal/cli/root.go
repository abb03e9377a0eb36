// Package cli implements the patchd command line.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Root     string
	Config   string
	LogLevel string
	Verbose  bool

	Out io.Writer
	Err io.Writer
}

// NewRootCommand builds the patchd command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Out: os.Stdout, Err: os.Stderr}

	cmd := &cobra.Command{
		Use:   "patchd",
		Short: "patchd - ordered, gated patch execution",
		Long: `patchd runs declarative patch descriptors from a directory queue.

Each descriptor is claimed, checked against its dependencies and pre-gates,
mutated step by step, verified by post-gates and archived as completed or
failed. Every outcome is appended to an immutable history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.Out = cmd.OutOrStdout()
			opts.Err = cmd.ErrOrStderr()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Root, "root", ".", "workspace root")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (default <root>/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewNormalizeCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewVersionCommand(version))

	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute(version string, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(version)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		_, _ = io.WriteString(stderr, "patchd: "+err.Error()+"\n")
		return ExitCode(err)
	}
	return ExitSuccess
}
