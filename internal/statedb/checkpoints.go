package statedb

import (
	"database/sql"
	"fmt"
)

// CheckpointStatus is a folder checkpoint's scan state.
type CheckpointStatus string

const (
	CheckpointScanning CheckpointStatus = "scanning"
	CheckpointDone     CheckpointStatus = "done"
	CheckpointError    CheckpointStatus = "error"
)

// Checkpoint is a folder's UID progress under one UIDVALIDITY epoch.
type Checkpoint struct {
	Folder         string
	UIDValidity    uint32
	HighestUIDDone uint32
	LastScanTime   sql.NullString
	ReportedCount  int64
	Status         CheckpointStatus
}

// LoadCheckpoint returns the stored checkpoint for (folder, uidvalidity), or
// found=false if the folder has never been scanned under this UIDVALIDITY
// epoch (including the case where a prior epoch's row exists but
// UIDVALIDITY changed, which the caller treats as "start over from UID 0").
func (d *DB) LoadCheckpoint(folder string, uidvalidity uint32) (cp Checkpoint, found bool, err error) {
	d.mu.Lock()
	row := d.sqlc.QueryRow(`
		SELECT folder, uidvalidity, highest_uid_done, last_scan_time, reported_count, status
		FROM folder_checkpoints WHERE folder = ? AND uidvalidity = ?`, folder, uidvalidity)
	var status string
	scanErr := row.Scan(&cp.Folder, &cp.UIDValidity, &cp.HighestUIDDone, &cp.LastScanTime, &cp.ReportedCount, &status)
	d.mu.Unlock()

	if scanErr == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if scanErr != nil {
		return Checkpoint{}, false, fmt.Errorf("statedb: load checkpoint: %w", scanErr)
	}
	cp.Status = CheckpointStatus(status)
	return cp, true, nil
}

// CheckpointFolder upserts the folder's progress, advancing the UID
// watermark monotonically: callers must pass an already-computed maximum
// since this call does not itself enforce monotonicity beyond the upsert.
func (d *DB) CheckpointFolder(folder string, uidvalidity, highestUIDDone uint32, status CheckpointStatus, reportedCount int64) error {
	return d.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO folder_checkpoints (folder, uidvalidity, highest_uid_done, last_scan_time, reported_count, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(folder, uidvalidity) DO UPDATE SET
				highest_uid_done = excluded.highest_uid_done,
				last_scan_time = excluded.last_scan_time,
				reported_count = excluded.reported_count,
				status = excluded.status`,
			folder, uidvalidity, highestUIDDone, nowRFC3339(), reportedCount, string(status),
		)
		if err != nil {
			return fmt.Errorf("statedb: checkpoint folder %s: %w", folder, err)
		}
		return nil
	})
}

// AllCheckpoints returns every folder checkpoint row, for the JSON report.
func (d *DB) AllCheckpoints() ([]Checkpoint, error) {
	d.mu.Lock()
	rows, err := d.sqlc.Query(`
		SELECT folder, uidvalidity, highest_uid_done, last_scan_time, reported_count, status
		FROM folder_checkpoints ORDER BY folder`)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("statedb: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var status string
		if err := rows.Scan(&cp.Folder, &cp.UIDValidity, &cp.HighestUIDDone, &cp.LastScanTime, &cp.ReportedCount, &status); err != nil {
			return nil, fmt.Errorf("statedb: scan checkpoint: %w", err)
		}
		cp.Status = CheckpointStatus(status)
		out = append(out, cp)
	}
	return out, rows.Err()
}
