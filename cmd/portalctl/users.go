package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qcom/queryportal/internal/models"
	"github.com/qcom/queryportal/internal/service"
	"github.com/spf13/cobra"
)

var (
	createEmail    string
	createPassword string
	createRole     string
	createPodID    string
)

var revokeUserCmd = &cobra.Command{
	Use:   "revoke-user <user-id>",
	Short: "Log a user out of every session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevokeUser,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions <user-id>",
	Short: "List a user's active sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessions,
}

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create a portal account",
	Args:  cobra.NoArgs,
	RunE:  runCreateUser,
}

var deactivateUserCmd = &cobra.Command{
	Use:   "deactivate-user <user-id>",
	Short: "Disable an account and end its sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeactivateUser,
}

func init() {
	createUserCmd.Flags().StringVar(&createEmail, "email", "", "account email (required)")
	createUserCmd.Flags().StringVar(&createPassword, "password", "", "initial password (required)")
	createUserCmd.Flags().StringVar(&createRole, "role", "developer", "account role")
	createUserCmd.Flags().StringVar(&createPodID, "pod", "", "pod id the account belongs to")
	_ = createUserCmd.MarkFlagRequired("email")
	_ = createUserCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(revokeUserCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(createUserCmd)
	rootCmd.AddCommand(deactivateUserCmd)
}

func parseUserID(arg string) (string, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", arg, err)
	}
	return id.String(), nil
}

func printLogoutAll(cmd *cobra.Command, userID string, result *service.LogoutAllResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d sessions for user %s.\n", result.SessionsRevoked, userID)
	if !result.AccessTokensInvalidated {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: access tokens could not be invalidated and stay valid until they expire.")
	}
}

func runRevokeUser(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}

	return withOperator(cmd.Context(), func(op operator) error {
		result, err := op.RevokeUser(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
		printLogoutAll(cmd, userID, result)
		return nil
	})
}

func runSessions(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}

	return withOperator(cmd.Context(), func(op operator) error {
		sessions, err := op.Sessions(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No active sessions.")
			return nil
		}

		for _, s := range sessions {
			fmt.Fprintf(out, "%s  %-15s  created %s  expires %s  %s\n",
				s.SessionID, s.IPAddress,
				s.CreatedAt.Format("2006-01-02 15:04"), s.ExpiresAt.Format("2006-01-02 15:04"),
				s.UserAgent)
		}
		return nil
	})
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	if len(createPassword) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	user := &models.User{
		Email:    strings.TrimSpace(createEmail),
		Role:     createRole,
		IsActive: true,
	}
	if createPodID != "" {
		podID, err := uuid.Parse(createPodID)
		if err != nil {
			return fmt.Errorf("invalid pod id %q: %w", createPodID, err)
		}
		pod := podID.String()
		user.PodID = &pod
	}

	return withOperator(cmd.Context(), func(op operator) error {
		if err := op.CreateUser(cmd.Context(), user, createPassword); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s).\n", user.Email, user.ID)
		return nil
	})
}

func runDeactivateUser(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}

	return withOperator(cmd.Context(), func(op operator) error {
		result, err := op.DeactivateUser(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("failed to deactivate user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deactivated user %s.\n", userID)
		printLogoutAll(cmd, userID, result)
		return nil
	})
}
