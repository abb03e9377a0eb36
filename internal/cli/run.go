package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/status"
)

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Drain the pending queue once",
		Long: `Recover interrupted claims, then run every pending descriptor in
(phase, step, attempt, version) order and exit.

Prints one FAILED line per failing descriptor. Exits 1 when any failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace(rootOpts)
			if err != nil {
				return err
			}
			defer ws.Close()

			fl, err := ws.lockWorker("run")
			if err != nil {
				return err
			}
			defer func() { _ = fl.Unlock() }()

			// Interrupts stop the drain between descriptors.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			eng := ws.engine()
			recovered, err := eng.Recover(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "recover interrupted claims", err)
			}
			report, err := eng.Drain(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "drain", err)
			}

			failed := append(recovered, report.Failed()...)
			printFailures(rootOpts.Out, failed)
			ws.log.Info("run finished",
				logx.Int("processed", len(report.Records)),
				logx.Int("succeeded", report.Succeeded()),
				logx.Int("failed", len(failed)),
				logx.Int("skipped", report.Skipped),
			)
			writeStatus(cmd, ws)

			for _, e := range report.Errors {
				ws.log.Error("descriptor not settled", logx.Err(e))
			}
			switch {
			case len(failed) > 0:
				return NewExitError(ExitFailure, fmt.Sprintf("%d patch(es) failed", len(failed)))
			case len(report.Errors) > 0:
				return NewExitError(ExitFailure, fmt.Sprintf("%d descriptor(s) could not be settled", len(report.Errors)))
			}
			fmt.Fprintf(rootOpts.Out, "%d patch(es) completed\n", report.Succeeded())
			return nil
		},
	}
}

// writeStatus refreshes the status files. Failures are logged only.
func writeStatus(cmd *cobra.Command, ws *workspace) {
	snap, err := ws.aggregator(nil).Snapshot(cmd.Context())
	if err != nil {
		ws.log.Warn("status snapshot failed", logx.Err(err))
		return
	}
	if err := status.NewWriter(ws.layout.StatusDir()).Write(snap); err != nil {
		ws.log.Warn("status write failed", logx.Err(err))
	}
}
