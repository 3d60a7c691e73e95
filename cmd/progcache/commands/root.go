// Package commands implements the progcache CLI: dry-run planning and
// synthetic retrieval runs against a configured asset store.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/progcache/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "progcache",
	Short: "Progressive asset cache tooling",
	Long: `progcache plans and runs progressive retrievals: assets are fetched in
stages of increasing quality under per-class concurrency limits, and kept in a
byte-budgeted cache.

Use "progcache [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./progcache.yaml or $XDG_CONFIG_HOME/progcache/progcache.yaml)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
