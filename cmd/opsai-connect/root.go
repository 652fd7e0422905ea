package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:               "opsai-connect",
	Short:             "opsai-connect syncs tenant integrations through REST, SOAP, webhook and managed connectors.",
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrapCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd, versionCmd)
}
