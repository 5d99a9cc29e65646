// Command skyth runs the Skyth assistant: the HTTP API with its SSE query
// stream, the MCP tool server and store maintenance.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "skyth",
	Short:         "Multi-pipeline AI assistant with persistent memory",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./skyth.yaml)")

	rootCmd.AddCommand(serveCmd, mcpCmd, migrateCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
