package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/patchd/internal/daemon"
	"github.com/msageha/patchd/internal/engine"
	"github.com/msageha/patchd/internal/lock"
	"github.com/msageha/patchd/internal/status"
	"github.com/msageha/patchd/internal/store"
)

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the pending queue and run descriptors as they arrive",
		Long: `Run as a long-lived watcher. New descriptors trigger a debounced
drain; a periodic reconcile drain covers missed events and the status
files are refreshed on a schedule. The control socket answers
ping, scan and status.

SIGINT or SIGTERM stops the watcher after the running descriptor
finishes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace(rootOpts)
			if err != nil {
				return err
			}
			defer ws.Close()

			src, err := store.NewWatcher(ws.store, ws.log)
			if err != nil {
				return WrapExitError(ExitCommandError, "start watcher", err)
			}
			cfg := ws.cfg
			d, err := daemon.New(daemon.Options{
				Engine:          ws.engine(),
				Source:          src,
				Status:          ws.aggregator(func() bool { return true }),
				Writer:          status.NewWriter(ws.layout.StatusDir()),
				Lock:            lock.New(ws.layout.WorkerLock(), "watch"),
				Socket:          ws.layout.Socket(),
				Debounce:        time.Duration(cfg.Watcher.DebounceMs) * time.Millisecond,
				ReconcileCron:   cfg.Watcher.ReconcileCron,
				StatusCron:      cfg.Watcher.StatusCron,
				ShutdownTimeout: time.Duration(cfg.Daemon.ShutdownTimeoutSec) * time.Second,
				Log:             ws.log,
				OnReport: func(r engine.DrainReport) {
					printFailures(rootOpts.Out, r.Failed())
				},
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "watch", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Run(ctx); err != nil {
				if errors.Is(err, lock.ErrLocked) {
					return WrapExitError(ExitCommandError, "another worker is running", err)
				}
				return WrapExitError(ExitFailure, "watch", err)
			}
			return nil
		},
	}
}
