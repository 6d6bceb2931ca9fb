package commands

import (
	"github.com/spf13/cobra"

	"github.com/jailfleet/jailfleet/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy [--force] <jail>",
		Short: "Destroy a jail and its datasets",
		Long: `Remove a jail and its whole dataset tree, including snapshots.

A running jail is an error unless --force is given, in which case it is
stopped first. Destruction is not recoverable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			j, err := a.fleet.Get(ctx, args[0])
			if err != nil {
				return err
			}

			p := newPrinter()
			p.Print(a.engine.Destroy(ctx, j, engine.DestroyOptions{Force: force}))
			return p.Err()
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "stop the jail first if it is running")

	return cmd
}
