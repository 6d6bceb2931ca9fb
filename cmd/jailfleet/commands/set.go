package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jailfleet/jailfleet/pkg/errdefs"
)

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [props...] <jail>",
		Short: "Set configuration properties of a jail",
		Long: `Set one or many configuration properties of one jail.

A property given as key=value is set; a bare key is deleted. The
configuration is saved only when something actually changed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			props, jailName := args[:len(args)-1], args[len(args)-1]
			j, err := a.fleet.Get(ctx, jailName)
			if err != nil {
				return err
			}

			var updated []string
			for _, prop := range props {
				key, value, isSetter := strings.Cut(prop, "=")
				if isSetter {
					changed, err := j.Config.Set(key, value)
					if err != nil {
						return err
					}
					if changed {
						updated = append(updated, key)
					}
					continue
				}
				if _, err := j.Config.Get(key); errdefs.IsNotFound(err) {
					continue
				}
				if err := j.Config.Delete(key); err != nil {
					return err
				}
				updated = append(updated, key)
			}

			if len(updated) == 0 {
				fmt.Printf("Jail %q unchanged\n", jailName)
				return nil
			}
			if err := j.Config.Save(); err != nil {
				return err
			}
			fmt.Printf("Jail %q updated: %s\n", jailName, strings.Join(updated, ", "))
			return nil
		},
	}
}
