package main

import (
	"github.com/spf13/cobra"

	"docqa/internal/bootstrap"
	"docqa/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)
	db, err := bootstrap.OpenDB(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	db.Close()
	cmd.Println("migrations applied")
	return nil
}
