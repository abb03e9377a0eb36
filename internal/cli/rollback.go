package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/patchd/internal/model"
)

func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <patchId>",
		Short: "Run the rollback plan of a completed patch",
		Long: `Run the rollbackPlan of the latest completed run of a patch, given by
full id or short code (e.g. P6.6.000). A rollback record is appended to the
history whatever the outcome; the original execution record is kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(rootOpts)
			if err != nil {
				return err
			}
			defer ws.Close()

			fl, err := ws.lockWorker("rollback")
			if err != nil {
				return err
			}
			defer func() { _ = fl.Unlock() }()

			rec, err := ws.rollback().RollbackPatch(cmd.Context(), args[0])
			switch {
			case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNotRollbackable):
				return WrapExitError(ExitCommandError, "rollback "+args[0], err)
			case err != nil:
				var rf *model.RollbackFailure
				if errors.As(err, &rf) {
					fmt.Fprintf(rootOpts.Out, "FAILED %s %s: %v\n", args[0], model.KindRollback, rf.Err)
				}
				return WrapExitError(ExitFailure, "rollback "+args[0], err)
			}
			writeStatus(cmd, ws)
			fmt.Fprintf(rootOpts.Out, "rolled back %s (run %s)\n", rec.PatchID, rec.TargetRunID)
			return nil
		},
	}
}
