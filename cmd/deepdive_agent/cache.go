package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/db"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the completion cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cached completions",
	RunE:  runCachePurge,
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCachePurge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	ctx := commandContext(cmd)
	database, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := database.PurgeExpiredCompletions(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired completions\n", n)
	return nil
}
