package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/patchd/internal/status"
)

type statusOptions struct {
	*RootOptions
	Cached bool
	Write  bool
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &statusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [snapshot|detailed|raw]",
		Short: "Show queue and history status",
		Long: `Show per-phase counts, recent history events, stale descriptors and
failures.

  snapshot  compact text (default)
  detailed  markdown dashboard
  raw       indented JSON

Exits 1 when any descriptor sits in a failed area.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(status.FormatSnapshot), string(status.FormatDetailed), string(status.FormatRaw)},
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) == 1 {
				arg = args[0]
			}
			format, err := status.ParseFormat(arg)
			if err != nil {
				return WrapExitError(ExitCommandError, "status", err)
			}
			return runStatus(cmd, opts, format)
		},
	}

	cmd.Flags().BoolVar(&opts.Cached, "cached", false, "show the last snapshot written by run or watch")
	cmd.Flags().BoolVar(&opts.Write, "write", false, "also write the status files")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *statusOptions, format status.Format) error {
	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}
	defer ws.Close()

	var snap *status.Snapshot
	if opts.Cached {
		snap, err = status.LoadSnapshot(ws.layout.StatusDir())
		if err != nil {
			return WrapExitError(ExitCommandError, "load cached snapshot", err)
		}
	} else {
		snap, err = ws.aggregator(ws.watcherAlive).Snapshot(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "status", err)
		}
		if opts.Write {
			if err := status.NewWriter(ws.layout.StatusDir()).Write(snap); err != nil {
				return WrapExitError(ExitCommandError, "write status", err)
			}
		}
	}

	if err := status.Render(opts.Out, snap, format); err != nil {
		return WrapExitError(ExitCommandError, "render status", err)
	}
	if n := len(snap.Failures); n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d failed descriptor(s)", n))
	}
	return nil
}
