package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/patchd/internal/setup"
)

type initOptions struct {
	*RootOptions
	ProjectRoot string
	Phases      []int
	Force       bool
}

func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &initOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a workspace",
		Long: `Create the workspace layout (pending/, history/, status/, summaries/,
locks/, logs/) and a default config.yaml. The directory defaults to --root.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.Root
			if len(args) == 1 {
				dir = args[0]
			}
			err := setup.Run(dir, setup.Options{ProjectRoot: opts.ProjectRoot, Phases: opts.Phases, Force: opts.Force})
			if errors.Is(err, setup.ErrAlreadyInitialized) {
				return WrapExitError(ExitCommandError, "init", fmt.Errorf("%w (use --force to rewrite config.yaml)", err))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "init", err)
			}
			fmt.Fprintf(opts.Out, "initialized workspace in %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ProjectRoot, "project-root", "", "directory gates and steps run in (default: workspace root)")
	cmd.Flags().IntSliceVar(&opts.Phases, "phase", nil, "create pending/phase-N (repeatable)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config.yaml")
	return cmd
}
