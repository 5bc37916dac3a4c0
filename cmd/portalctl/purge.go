package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired and long-revoked tokens once",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withOperator(cmd.Context(), func(op operator) error {
		result, err := op.Purge(cmd.Context())
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d refresh tokens and %d blacklist entries.\n",
			result.RefreshTokensDeleted, result.BlacklistDeleted)
		return nil
	})
}
