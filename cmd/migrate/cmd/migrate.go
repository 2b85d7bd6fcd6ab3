package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrewmaspero/imap-icloud-migration/internal/evidence"
	gmail "github.com/andrewmaspero/imap-icloud-migration/internal/gmailapi"
	imap "github.com/andrewmaspero/imap-icloud-migration/internal/imapsrc"
	"github.com/andrewmaspero/imap-icloud-migration/internal/oauth"
	"github.com/andrewmaspero/imap-icloud-migration/internal/pipeline"
	"github.com/andrewmaspero/imap-icloud-migration/internal/report"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

var (
	dryRun    bool
	resetFlag bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the migration: discover, download, and import messages",
	Long: `migrate walks every included IMAP folder, downloads messages that pass
the sender/recipient filter and dedupe check into the evidence store, then
imports them into Gmail under the mapped label. Interrupting and re-running
resumes from the last per-folder checkpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := statedb.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()

		if resetFlag {
			// spec's --reset rewinds both skipped/failed rows and every
			// folder checkpoint, i.e. the union ResetAll applies.
			if err := db.Reset(statedb.ResetAll); err != nil {
				return fmt.Errorf("reset state: %w", err)
			}
			logger.Info("reset applied", "scope", statedb.ResetAll)
		}

		store, err := evidence.New(cfg.Storage.EvidenceDir)
		if err != nil {
			return fmt.Errorf("open evidence store: %w", err)
		}

		var gmailClient gmail.API
		if !dryRun {
			gmailClient, err = newGmailClient(cmd.Context())
			if err != nil {
				return err
			}
			defer gmailClient.Close()
		}

		pool := imap.NewPool(imapConfig(), cfg.IMAP.Connections, imap.NewDialer(), logger)
		defer pool.Close()

		pl := pipeline.New(cfg, pool, gmailClient, db, store, logger, dryRun)

		summary, runErr := pl.Run(cmd.Context())
		logger.Info("migration pass complete",
			"discovered", summary.Discovered,
			"downloaded", summary.Downloaded,
			"imported", summary.Imported,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
		)
		if runErr != nil {
			return fmt.Errorf("pipeline run: %w", runErr)
		}

		if err := writeReport(db); err != nil {
			logger.Warn("failed to write report", "error", err)
		}

		if summary.HasFailures() {
			return ErrPartialFailure
		}
		return nil
	},
}

func imapConfig() imap.Config {
	return imap.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		TLS:      cfg.IMAP.SSL,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.AppPassword,
	}
}

func newGmailClient(ctx context.Context) (*gmail.Client, error) {
	tokensDir := filepath.Dir(cfg.Gmail.TokenFile)
	oauthMgr, err := oauth.NewManager(cfg.Gmail.CredentialsFile, tokensDir, logger)
	if err != nil {
		return nil, fmt.Errorf("create oauth manager: %w", err)
	}

	tokenSource, err := oauthMgr.TokenSource(ctx, cfg.Gmail.TargetUserEmail)
	if err != nil {
		return nil, fmt.Errorf("get token source for %s: %w (run 'gmail-auth' first)", cfg.Gmail.TargetUserEmail, err)
	}

	return gmail.NewClient(tokenSource,
		gmail.WithLogger(logger),
		gmail.WithRateLimiter(gmail.NewRateLimiter(5.0)),
		gmail.WithInternalDateSource(string(cfg.Gmail.InternalDateSource)),
	), nil
}

func writeReport(db *statedb.DB) error {
	r, err := report.Build(db, reportTime())
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	path, err := report.Write(cfg.Storage.ReportsDir, r)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logger.Info("wrote report", "path", path)
	return nil
}

func reportTime() time.Time {
	return time.Now().UTC()
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "discover and download into the evidence store, but never call Gmail")
	migrateCmd.Flags().BoolVar(&resetFlag, "reset", false, "rewind skipped/failed rows and folder checkpoints before running")
	rootCmd.AddCommand(migrateCmd)
}
