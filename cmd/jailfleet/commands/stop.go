package commands

import (
	"github.com/spf13/cobra"
)

func newStopCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop [--force] [jails...]",
		Short: "Stop jails",
		Long: `Stop the named jails. Stopped jails are skipped.

A graceful stop runs the jail's shutdown scripts first; --force removes
the jail immediately.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			jails, err := a.resolveJails(ctx, args)
			if err != nil {
				return err
			}

			p := newPrinter()
			for _, j := range jails {
				p.Print(a.engine.Stop(ctx, j, force))
			}
			return p.Err()
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the graceful shutdown phase")

	return cmd
}
