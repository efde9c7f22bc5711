package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "corefacility",
	Short: "corefacility - laboratory core facility management",
	Long: `corefacility manages the users, groups, projects and application
modules of a laboratory core facility and serves its REST API.

Settings are read from CORE_* environment variables, a .env file and the
YAML file named by CORE_CONFIG_FILE.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(
		newServeCommand(),
		newConfigureCommand(),
		newMakeInstallCommand(),
		newSynchronizeCommand(),
		newAccessLevelsCommand(),
		newAutoAdminCommand(),
		newHealthCheckCommand(),
		newSuperviseCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("corefacility: %v", err)
	}
}
