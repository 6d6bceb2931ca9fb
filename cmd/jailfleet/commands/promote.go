package commands

import (
	"github.com/spf13/cobra"
)

func newPromoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <jail>",
		Short: "Promote a cloned jail",
		Long: `Sever a cloned jail's dependency on its origin snapshots.

After promotion the jail's dataset tree no longer depends on the template
it was cloned from, so the template can be destroyed independently.
Promotion is irreversible.`,
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
			p.Print(a.engine.Promote(ctx, j))
			return p.Err()
		},
	}
}
