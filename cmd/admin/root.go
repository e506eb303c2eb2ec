package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "docqa-admin",
	Short:        "Operate a docqa deployment",
	Long:         `Maintenance tasks for docqa: schema migrations, API users and vector store cleanup.`,
	SilenceUsage: true,
}
