// Package main implements the chaind CLI for working with chain templates
// and the effectiveness memory store.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath points at an optional YAML configuration file
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chaind",
	Short: "CLI for chain template validation and execution",
	Long: `chaind is a command-line interface for pattern-chain templates.
It validates template files, dry-runs chains locally, and inspects the
effectiveness memory store.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(memoryCmd)
}
