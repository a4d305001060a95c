// Package main provides the entry point for the deep-dive engine CLI and HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "deepdive_agent",
	Short: "Stage-3 deep-dive research engine",
	Long: `deepdive_agent evaluates the stage-3 question graph for pending tickers of a
research run, scores each dimension with a weighted ensemble, composes a
summary and notifies subscribed channels.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (defaults to $DEEPDIVE_CONFIG)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
