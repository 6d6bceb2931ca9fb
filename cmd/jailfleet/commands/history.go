package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent workflow runs",
		Long: `Show the most recent workflow runs recorded in the history database,
newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.history == nil {
				return fmt.Errorf("history recording is disabled (history_db is empty)")
			}

			runs, err := a.history.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tWORKFLOW\tSUBJECT\tSTATUS\tERROR")
			for _, run := range runs {
				errMsg := ""
				if run.Error != nil {
					errMsg = *run.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.StartedAt.Local().Format(time.DateTime),
					run.Workflow, run.Subject, run.Status, errMsg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")

	return cmd
}
