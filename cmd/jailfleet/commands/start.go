package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jailfleet/jailfleet/pkg/jail"
)

func newStartCommand() *cobra.Command {
	var (
		rc      bool
		options []string
	)

	cmd := &cobra.Command{
		Use:   "start [--rc] [-o key=value]... [jails...]",
		Short: "Start jails",
		Long: `Start the named jails, or with --rc every jail whose boot property is
enabled, ordered by boot priority.

Options given with -o are passed to jail(8) as parameters for this start
only; they are not persisted to the jail's configuration. Template jails
refuse to start; already running jails are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			for _, opt := range options {
				key, value, ok := strings.Cut(opt, "=")
				if !ok {
					return fmt.Errorf("option %q is not of the form key=value", opt)
				}
				a.control.Override(key, value)
			}

			var jails []*jail.Jail
			if rc {
				if len(args) > 0 {
					return fmt.Errorf("--rc and explicit jails are mutually exclusive")
				}
				all, err := a.fleet.Jails(ctx)
				if err != nil {
					return err
				}
				jails, err = jail.Filter(all, []string{"boot=yes"})
				if err != nil {
					return err
				}
				jail.SortByBootPriority(jails)
			} else {
				if len(args) == 0 {
					return fmt.Errorf("no jails given (use --rc to start boot-enabled jails)")
				}
				jails, err = a.resolveJails(ctx, args)
				if err != nil {
					return err
				}
			}

			p := newPrinter()
			for _, j := range jails {
				p.Print(a.engine.Start(ctx, j))
			}
			return p.Err()
		},
	}

	cmd.Flags().BoolVar(&rc, "rc", false, "start boot-enabled jails in priority order")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "temporary jail parameter (key=value)")

	return cmd
}
