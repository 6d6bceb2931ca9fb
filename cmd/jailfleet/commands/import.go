package commands

import (
	"github.com/spf13/cobra"

	"github.com/jailfleet/jailfleet/pkg/backup"
)

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <jail> <source>",
		Short: "Import a jail from a backup archive",
		Long: `Restore a jail from a tar archive into a freshly created dataset.

The jail must not exist yet. The archive's configuration file, if present,
is adopted under the new jail's name; otherwise a fresh configuration is
created. A failed import destroys the partially imported dataset again.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			importer := backup.NewImporter(a.datasets, a.fleet, a.log)
			p := newPrinter()
			p.Print(importer.Import(ctx, args[0], args[1]))
			return p.Err()
		},
	}
}
