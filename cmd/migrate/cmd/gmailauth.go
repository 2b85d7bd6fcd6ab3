package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/andrewmaspero/imap-icloud-migration/internal/oauth"
)

var headless bool

var gmailAuthCmd = &cobra.Command{
	Use:   "gmail-auth",
	Short: "Authorize the destination Gmail account",
	Long: `gmail-auth runs the OAuth2 flow for the account configured as
MIG_GMAIL__TARGET_USER_EMAIL and persists the resulting token alongside
the configured token file. Run this once before 'migrate'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tokensDir := filepath.Dir(cfg.Gmail.TokenFile)
		oauthMgr, err := oauth.NewManager(cfg.Gmail.CredentialsFile, tokensDir, logger)
		if err != nil {
			return fmt.Errorf("create oauth manager: %w", err)
		}

		if oauthMgr.HasToken(cfg.Gmail.TargetUserEmail) {
			logger.Info("replacing existing token", "email", cfg.Gmail.TargetUserEmail)
			if err := oauthMgr.DeleteToken(cfg.Gmail.TargetUserEmail); err != nil {
				return fmt.Errorf("delete existing token: %w", err)
			}
		}

		if err := oauthMgr.Authorize(cmd.Context(), cfg.Gmail.TargetUserEmail, headless); err != nil {
			return fmt.Errorf("authorize %s: %w", cfg.Gmail.TargetUserEmail, err)
		}

		logger.Info("authorized", "email", cfg.Gmail.TargetUserEmail, "token_path", oauthMgr.TokenPath(cfg.Gmail.TargetUserEmail))
		return nil
	},
}

func init() {
	gmailAuthCmd.Flags().BoolVar(&headless, "headless", false, "use the device-code flow instead of opening a local browser")
	rootCmd.AddCommand(gmailAuthCmd)
}
