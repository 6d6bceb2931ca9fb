package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [filters...]",
		Short: "List jails",
		Long: `List jails in the fleet, optionally narrowed by filter expressions
(name=web, template=no, boot=yes; a bare word filters by name).`,
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

			type row struct {
				Name     string `json:"name"`
				JID      int    `json:"jid"`
				Running  bool   `json:"running"`
				Release  string `json:"release"`
				Template bool   `json:"template"`
			}

			rows := make([]row, 0, len(jails))
			for _, j := range jails {
				jid, err := a.control.JID(ctx, j.Name)
				if err != nil {
					return err
				}
				rows = append(rows, row{
					Name:     j.Name,
					JID:      jid,
					Running:  jid != 0,
					Release:  j.Config.Config().Release,
					Template: j.Template(),
				})
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tJID\tSTATE\tRELEASE\tTEMPLATE")
			for _, r := range rows {
				state := "stopped"
				jid := "-"
				if r.Running {
					state = "running"
					jid = fmt.Sprintf("%d", r.JID)
				}
				template := ""
				if r.Template {
					template = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, jid, state, r.Release, template)
			}
			return w.Flush()
		},
	}
}
