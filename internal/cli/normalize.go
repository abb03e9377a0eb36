package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/patchd/internal/normalize"
)

type normalizeOptions struct {
	*RootOptions
	Flags  []string
	DryRun bool
}

func NewNormalizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &normalizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "normalize [file...]",
		Short: "Rewrite descriptor step lists into canonical order",
		Long: `Normalize the postMutationBuild steps of each descriptor: canonical
steps appear exactly once, in bootstrap, health, assertion, optional order,
followed by patch-specific steps and closing steps. Running it twice
changes nothing.

Without arguments every pending descriptor is normalized. The report is
written to status/normalize-report.json unless --dry-run is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd, opts, args)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Flags, "flag", nil, "enable optional steps with this flag (repeatable)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report changes without writing files")
	return cmd
}

func runNormalize(cmd *cobra.Command, opts *normalizeOptions, args []string) error {
	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return err
	}
	defer ws.Close()

	profile, err := normalize.ProfileFromConfig(ws.cfg.Normalizer)
	if err != nil {
		return WrapExitError(ExitCommandError, "normalizer profile", err)
	}

	paths := args
	if len(paths) == 0 {
		items, err := ws.store.Scan(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "scan pending", err)
		}
		for _, it := range items {
			paths = append(paths, it.Path)
		}
	}

	n := normalize.New(profile, ws.log)
	rep, err := n.NormalizeFiles(cmd.Context(), paths, normalize.FileOptions{
		Options: normalize.Options{Flags: opts.Flags},
		DryRun:  opts.DryRun,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "normalize", err)
	}

	for _, res := range rep.Results {
		line := fmt.Sprintf("%-11s %s", res.Status, res.File)
		if res.Error != "" {
			line += ": " + res.Error
		}
		fmt.Fprintln(opts.Out, line)
	}
	if !opts.DryRun {
		if err := normalize.WriteReport(ws.layout.NormalizeReport(), rep); err != nil {
			return WrapExitError(ExitFailure, "normalize", err)
		}
	}
	if rep.HasErrors() {
		return NewExitError(ExitFailure, "some descriptors could not be normalized")
	}
	return nil
}
