// Package report builds and writes the migration's JSON summary artifact.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/andrewmaspero/imap-icloud-migration/internal/fileutil"
	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

// Counts mirrors the lifecycle status tally in the report JSON's shape.
type Counts struct {
	Discovered int64 `json:"discovered"`
	Downloaded int64 `json:"downloaded"`
	Imported   int64 `json:"imported"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

// Folder is one folder_checkpoints row as it appears in the report.
type Folder struct {
	Name           string `json:"name"`
	UIDValidity    uint32 `json:"uidvalidity"`
	HighestUIDDone uint32 `json:"highest_uid_done"`
	Status         string `json:"status"`
}

// Failure is one failed message row as it appears in the report.
type Failure struct {
	Fingerprint string `json:"fingerprint"`
	Kind        string `json:"kind"`
	Retries     int    `json:"retries"`
}

// Report is the full JSON document written under reports/.
type Report struct {
	GeneratedAt string    `json:"generated_at"`
	Counts      Counts    `json:"counts"`
	Folders     []Folder  `json:"folders"`
	Failures    []Failure `json:"failures"`
}

// Build reads StateDB's current state into a Report. generatedAt is passed
// in rather than computed here so callers (and tests) control the
// timestamp deterministically.
func Build(db *statedb.DB, generatedAt time.Time) (Report, error) {
	statusCounts, err := db.CountsByStatus()
	if err != nil {
		return Report{}, fmt.Errorf("report: counts: %w", err)
	}

	checkpoints, err := db.AllCheckpoints()
	if err != nil {
		return Report{}, fmt.Errorf("report: checkpoints: %w", err)
	}
	folders := make([]Folder, len(checkpoints))
	for i, cp := range checkpoints {
		folders[i] = Folder{
			Name:           cp.Folder,
			UIDValidity:    cp.UIDValidity,
			HighestUIDDone: cp.HighestUIDDone,
			Status:         string(cp.Status),
		}
	}

	failedRows, err := db.FailedRows()
	if err != nil {
		return Report{}, fmt.Errorf("report: failed rows: %w", err)
	}
	failures := make([]Failure, len(failedRows))
	for i, m := range failedRows {
		failures[i] = Failure{
			Fingerprint: m.Fingerprint,
			Kind:        m.LastErrorKind.String,
			Retries:     m.RetryCount,
		}
	}

	return Report{
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Counts: Counts{
			Discovered: statusCounts[statedb.StatusDiscovered],
			Downloaded: statusCounts[statedb.StatusDownloaded],
			Imported:   statusCounts[statedb.StatusImported],
			Skipped:    statusCounts[statedb.StatusSkipped],
			Failed:     statusCounts[statedb.StatusFailed],
		},
		Folders:  folders,
		Failures: failures,
	}, nil
}

// Write marshals r as indented JSON and writes it to
// <reportsDir>/<generatedAt-as-filename-safe-timestamp>.json, returning the
// path written. The report carries message fingerprints and folder names
// from the same mailbox the evidence store protects, so it is written
// owner-only through the same fileutil helpers evidence.Store uses.
func Write(reportsDir string, r Report) (string, error) {
	if err := fileutil.SecureMkdirAll(reportsDir, 0700); err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("report: create reports dir %s: %w", reportsDir, err))
	}

	generatedAt, err := time.Parse(time.RFC3339, r.GeneratedAt)
	if err != nil {
		generatedAt = time.Now().UTC()
	}
	name := generatedAt.UTC().Format("20060102T150405Z") + ".json"
	path := filepath.Join(reportsDir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: marshal: %w", err)
	}

	if err := fileutil.SecureWriteFile(path, data, 0600); err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("report: write %s: %w", path, err))
	}
	return path, nil
}
