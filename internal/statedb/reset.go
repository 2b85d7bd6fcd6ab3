package statedb

import (
	"database/sql"
	"fmt"
)

// ResetScope selects which part of the store Reset rewinds.
type ResetScope string

const (
	ResetSkippedAndFailed ResetScope = "skipped_and_failed"
	ResetFolderCheckpoints ResetScope = "folder_checkpoints"
	ResetAll              ResetScope = "all"
)

// Reset returns rows to an earlier status for re-attempt. It never deletes
// evidence: a row moved back to StatusDownloaded keeps its evidence_path and
// evidence_sha256, so the pipeline's resume drain picks it straight back up
// for ingestion without re-fetching the body.
func (d *DB) Reset(scope ResetScope) error {
	return d.withTx(func(tx *sql.Tx) error {
		if scope == ResetSkippedAndFailed || scope == ResetAll {
			if err := resetSkippedAndFailed(tx); err != nil {
				return err
			}
		}
		if scope == ResetFolderCheckpoints || scope == ResetAll {
			if err := resetFolderCheckpoints(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// resetSkippedAndFailed moves failed rows with evidence back to downloaded
// (so they re-enter the ingestion queue without re-fetching) and failed rows
// without evidence, plus skipped rows, back to discovered (so the next
// discovery pass re-evaluates them from scratch). Skipped rows recording a
// duplicate are left as-is: re-running discovery against the same fingerprint
// will re-derive the same skip.
func resetSkippedAndFailed(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		UPDATE messages SET status = ?, retry_count = 0, last_error_kind = NULL
		WHERE status = ? AND evidence_path IS NOT NULL`,
		string(StatusDownloaded), string(StatusFailed),
	); err != nil {
		return fmt.Errorf("statedb: reset failed-with-evidence rows: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE messages SET status = ?, retry_count = 0, last_error_kind = NULL
		WHERE status = ? AND evidence_path IS NULL`,
		string(StatusDiscovered), string(StatusFailed),
	); err != nil {
		return fmt.Errorf("statedb: reset failed-without-evidence rows: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE messages SET status = ?, notes = NULL
		WHERE status = ? AND notes != 'duplicate'`,
		string(StatusDiscovered), string(StatusSkipped),
	); err != nil {
		return fmt.Errorf("statedb: reset skipped rows: %w", err)
	}
	return nil
}

func resetFolderCheckpoints(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM folder_checkpoints`); err != nil {
		return fmt.Errorf("statedb: reset folder checkpoints: %w", err)
	}
	return nil
}
