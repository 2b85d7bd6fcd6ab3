// Package cmd implements the migrate CLI's subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/andrewmaspero/imap-icloud-migration/internal/config"
	"github.com/andrewmaspero/imap-icloud-migration/internal/logging"
)

// ErrPartialFailure signals that a migrate run completed but left rows in
// the failed state; main maps it to exit code 2.
var ErrPartialFailure = errors.New("migrate: run completed with failed rows")

// ErrVerifyMismatch signals that verify found at least one evidence
// checksum or size mismatch; main maps it to exit code 3.
var ErrVerifyMismatch = errors.New("migrate: verify found a mismatch")

var (
	envFile string
	verbose bool
	jsonLog bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate an IMAP mailbox into Gmail",
	Long: `migrate copies messages from a source IMAP mailbox (iCloud by default)
into a Gmail account via the Gmail API, deduplicating by content fingerprint
and keeping a durable, resumable record of every message's migration state.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.Configure(jsonLog, verbose)

		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context, enabling
// graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file to load (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose (debug-level) logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "emit structured JSON logs instead of the colored console format")
}
