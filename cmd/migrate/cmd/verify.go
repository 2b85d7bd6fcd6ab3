package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrewmaspero/imap-icloud-migration/internal/evidence"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify evidence files against their recorded checksums",
	Long: `verify recomputes the SHA-256 of every message's .eml file under
the evidence store and compares it against the digest recorded in the
state database at download time. It never mutates state; a mismatch is
reported and the command exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := statedb.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()

		store, err := evidence.New(cfg.Storage.EvidenceDir)
		if err != nil {
			return fmt.Errorf("open evidence store: %w", err)
		}

		rows, err := db.AllAtOrAboveDownloaded()
		if err != nil {
			return fmt.Errorf("list evidence-bearing rows: %w", err)
		}

		var mismatches int
		for _, m := range rows {
			if !m.EvidenceSHA256.Valid {
				logger.Warn("row has evidence path but no recorded checksum", "fingerprint", m.Fingerprint)
				continue
			}

			sum, err := store.Checksum(m.Fingerprint)
			if err != nil {
				mismatches++
				logger.Error("evidence unreadable", "fingerprint", m.Fingerprint, "error", err)
				continue
			}
			if sum != m.EvidenceSHA256.String {
				mismatches++
				logger.Error("checksum mismatch", "fingerprint", m.Fingerprint,
					"recorded", m.EvidenceSHA256.String, "actual", sum)
			}
		}

		logger.Info("verify complete", "checked", len(rows), "mismatches", mismatches)
		if mismatches > 0 {
			return ErrVerifyMismatch
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
