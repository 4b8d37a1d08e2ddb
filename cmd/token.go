package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/fieldguard/internal"
	"github.com/frahmantamala/fieldguard/internal/auth"
)

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Session token utilities for development",
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an access and refresh token pair for a user",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, lg := mustLoad()
		ctx := context.Background()

		deps, err := initializeDependencies(ctx, cfg, lg)
		if err != nil {
			lg.Error("failed to initialize dependencies", "error", err)
			os.Exit(1)
		}
		defer deps.Close()

		pair, err := deps.Auth.IssueSession(ctx, internal.Principal{UserID: tokenUser, Role: tokenRole}, auth.ClientInfo{UserAgent: "fieldguard-cli"})
		if err != nil {
			lg.Error("failed to issue session", "error", err)
			os.Exit(1)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(pair)
	},
}

func init() {
	issueTokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (subject)")
	issueTokenCmd.Flags().StringVar(&tokenRole, "role", "user", "role carried by the tokens")
	_ = issueTokenCmd.MarkFlagRequired("user")

	tokenCmd.AddCommand(issueTokenCmd)
}
