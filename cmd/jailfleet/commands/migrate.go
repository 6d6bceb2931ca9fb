package commands

import (
	"github.com/spf13/cobra"

	"github.com/jailfleet/jailfleet/pkg/jail"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [jails...]",
		Short: "Migrate legacy jails to the current configuration format",
		Long: `Convert jails with legacy-format configuration to the current format.

Each jail is cloned to its migrated form, the legacy original is destroyed
and the clone takes over the jail's name. Jails whose configuration is
already current are skipped; a running jail fails and must be stopped
first. One jail's failure does not stop the rest of the batch.

Template jails are never migrated. Without arguments every other jail in
the fleet is considered.`,
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
			// Templates are never migrated, even when named explicitly.
			jails, err = jail.Filter(jails, []string{"template=no"})
			if err != nil {
				return err
			}

			p := newPrinter()
			p.Print(a.engine.Migrate(ctx, jails))
			return p.Err()
		},
	}
}
