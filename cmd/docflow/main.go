// Command docflow runs the document approval workflow engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "docflow",
		Short: "Document approval workflow engine",
		Long: `docflow routes documents through configurable approval workflows.

Definitions are YAML files; instances are persisted in memory, Redis or
PostgreSQL. Settings come from docflow.yaml and DOCFLOW_* variables.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(),
		newImportCmd(&configPath),
	)
	return rootCmd
}
