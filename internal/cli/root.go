// Package cli implements shipctl, the operator command line for the ship
// preparation server.
package cli

import "github.com/spf13/cobra"

// RootCmd assembles every shipctl subcommand
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shipctl",
		Short:         "shipctl - operator tooling for the ship preparation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(MigrateCmd())

	return rootCmd
}
