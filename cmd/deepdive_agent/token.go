package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/server"
)

var (
	tokenUserID string
	tokenRole   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the consume endpoints",
	Long:  `Sign an HS256 token with JWT_SECRET for scripted callers of the HTTP API.`,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "Subject user ID (defaults to a random UUID)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role claim (defaults to the configured admin role)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	jwtConfig, err := cfg.JWT()
	if err != nil {
		return err
	}
	if jwtConfig == nil {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}

	userID := uuid.New()
	if tokenUserID != "" {
		if userID, err = uuid.Parse(tokenUserID); err != nil {
			return fmt.Errorf("invalid --user-id %q: must be a UUID", tokenUserID)
		}
	}
	role := tokenRole
	if role == "" {
		role = jwtConfig.AdminRole
	}

	token, err := server.NewJWTService(jwtConfig).GenerateToken(userID, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
