package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docqa/internal/bootstrap"
	"docqa/internal/config"
	"docqa/internal/storage"
	"docqa/internal/util"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user [username]",
	Short: "Create an API user and print its token",
	Long:  `Creates a user and prints a new bearer token. Only the token's SHA-256 is stored, so the token cannot be shown again.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateUser,
}

var userEmail string

func init() {
	createUserCmd.Flags().StringVarP(&userEmail, "email", "e", "", "Email address of the user")
	rootCmd.AddCommand(createUserCmd)
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(args[0])
	if username == "" {
		return errors.New("username is required")
	}
	token, err := util.NewAPIToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	cfg := config.Load()
	logger := bootstrap.Logger(cfg)
	db, err := bootstrap.OpenDB(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	user, err := storage.NewUserRepo(db).Create(cmd.Context(), username, userEmail, util.SHA256Hex([]byte(token)))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:  %s (id %d)\n", user.Username, user.ID)
	fmt.Fprintf(out, "token: %s\n", token)
	return nil
}
