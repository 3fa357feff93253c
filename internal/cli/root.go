// Package cli implements the flowbase command line.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "flowbase",
	Short: "Flowbase workflow server on PostgreSQL",
	Long: `Flowbase runs on PostgreSQL. Installations that started on the embedded
SQLite store are upgraded automatically the first time the server starts
against an empty Postgres database.

Start (managed PostgreSQL, zero config):
  flowbase start

Preview or run the storage upgrade on its own:
  flowbase upgrade --plan
  flowbase upgrade --sqlite ~/.flowbase/flowbase.db --database-url postgresql://...`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
