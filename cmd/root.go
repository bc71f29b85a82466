package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the base command; every daemon runs as one of its subcommands.
var rootCmd = &cobra.Command{
	Use:   "relayerd",
	Short: "Bridge relayer daemons for the Root network",
}

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	rootCmd.AddCommand(
		ebdCmd(),
		xbdCmd(),
		xls20Cmd(),
		configCmd(),
	)
}

// Execute runs the selected daemon. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}
