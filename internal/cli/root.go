package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "agentfactory: turn a requirement into a set of built and verified services",
	Long: `agentfactory drives a requirement through decomposition, contract registration,
a parallel builder fleet, integration and a quality gate with bounded fix rounds.

Pipeline state lives under the state directory (~/.factory by default) as JSON,
so an interrupted run can be resumed from the last completed phase. When
database_url is set, history is also journaled to Postgres.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to factory.yaml (default: ./factory.yaml, then ~/.factory/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
}
