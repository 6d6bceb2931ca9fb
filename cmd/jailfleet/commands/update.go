package commands

import (
	"github.com/spf13/cobra"

	"github.com/jailfleet/jailfleet/pkg/release"
)

func newUpdateCommand() *cobra.Command {
	var distributionName string

	cmd := &cobra.Command{
		Use:   "update [jails...]",
		Short: "Update the OS release inside jails",
		Long: `Patch the userland of the named jails with the distribution's update
tool (freebsd-update or hbsd-update).

A recursive snapshot is taken before anything is modified; when the update
fails the jail's dataset is rolled back to that checkpoint.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var dist release.Distribution
			if distributionName != "" {
				dist, err = release.ParseDistribution(distributionName)
			} else {
				dist, err = release.Detect(ctx, a.run)
			}
			if err != nil {
				return err
			}

			jails, err := a.resolveJails(ctx, args)
			if err != nil {
				return err
			}

			svc := release.NewService(a.datasets, dist.Updater(a.run, a.log), a.log)
			p := newPrinter()
			for _, j := range jails {
				p.Print(svc.Update(ctx, j))
			}
			return p.Err()
		},
	}

	cmd.Flags().StringVar(&distributionName, "distribution", "", "override the detected distribution (FreeBSD, HardenedBSD)")

	return cmd
}
