package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jailfleet",
		Short: "jailfleet - FreeBSD jail fleet manager",
		Long: `jailfleet manages the lifecycle of FreeBSD jails backed by ZFS:
creating, cloning, promoting, migrating, starting, stopping and destroying
jails while keeping their backing datasets consistent.

Every multi-step operation runs as a workflow: progress is reported as
event lines, failures roll back whatever part of the operation already
happened, and each run is recorded in the local history database.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output events as JSON lines")

	// Add subcommands
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPromoteCommand())
	rootCmd.AddCommand(newSetCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
