// Package cli implements the ehrlich command line.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nmattis/ehrlichgpt/common/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ehrlich",
	Short: "EhrlichGPT - a Matrix chat bot with layered conversation memory",
	Long: `EhrlichGPT joins Matrix rooms, answers when addressed and keeps a
per-room memory: recent history, a rolling summary of it, and a long-term
narrative searchable by similarity.

Settings come from a YAML file (--config), overridden by environment
variables. A .env file in the working directory is loaded first.

Example:
  ehrlich serve --config ehrlich.yaml`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal in production.
		_ = godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment only when empty")
}
