package statedb_test

import (
	"testing"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

func TestReserveDiscoveryNewAndDuplicate(t *testing.T) {
	db := openTestDB(t)

	isNew, err := db.ReserveDiscovery("fp1", "INBOX", 10, 100, statedb.Headers{MessageID: "abc@d.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if !isNew {
		t.Fatal("expected isNew=true for first discovery")
	}

	isNew, err = db.ReserveDiscovery("fp1", "Archive", 11, 100, statedb.Headers{MessageID: "abc@d.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("ReserveDiscovery duplicate: %v", err)
	}
	if isNew {
		t.Fatal("expected isNew=false for duplicate fingerprint")
	}
}

func TestReserveDiscoveryMessageIDCollisionIsParseError(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp1a", "INBOX", 10, 100, statedb.Headers{MessageID: "shared@d.com", Subject: "first"}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}

	// A different fingerprint (different Date/From/Subject/size inputs)
	// reusing the same Message-Id header must not be silently accepted or
	// treated as a fatal error: it should come back as a ParseError the
	// caller can route to a skip, per discovery's duplicate message_id path.
	_, err := db.ReserveDiscovery("fp1b", "INBOX", 11, 100, statedb.Headers{MessageID: "shared@d.com", Subject: "second"})
	if err == nil {
		t.Fatal("expected an error reserving a second fingerprint under the same message_id")
	}
	if got := migerr.Classify(err); got != migerr.ParseError {
		t.Fatalf("migerr.Classify(err) = %v, want ParseError", got)
	}

	// No row should have been left behind by the rolled-back insert.
	counts, countErr := db.CountsByStatus()
	if countErr != nil {
		t.Fatalf("CountsByStatus: %v", countErr)
	}
	if total := counts[statedb.StatusDiscovered] + counts[statedb.StatusSkipped]; total != 1 {
		t.Fatalf("expected exactly 1 row after the collision, got %d", total)
	}
}

func TestRecordDuplicateMessageIDInsertsSkippedRow(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp1c", "INBOX", 10, 100, statedb.Headers{MessageID: "shared2@d.com", Subject: "first"}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}

	_, err := db.ReserveDiscovery("fp1d", "INBOX", 11, 100, statedb.Headers{MessageID: "shared2@d.com", Subject: "second"})
	if migerr.Classify(err) != migerr.ParseError {
		t.Fatalf("expected ParseError, got %v", err)
	}

	if err := db.RecordDuplicateMessageID("fp1d", "INBOX", 11, 100, statedb.Headers{MessageID: "shared2@d.com", Subject: "second"}); err != nil {
		t.Fatalf("RecordDuplicateMessageID: %v", err)
	}

	counts, err := db.CountsByStatus()
	if err != nil {
		t.Fatalf("CountsByStatus: %v", err)
	}
	if counts[statedb.StatusDiscovered] != 1 {
		t.Fatalf("expected the first fingerprint's row to remain discovered, got %d", counts[statedb.StatusDiscovered])
	}
	if counts[statedb.StatusSkipped] != 1 {
		t.Fatalf("expected the colliding fingerprint's row to land skipped, got %d", counts[statedb.StatusSkipped])
	}

	// A second ReserveDiscovery call for fp1d must now see the row the skip
	// just inserted and report it as already owned, not collide again.
	isNew, err := db.ReserveDiscovery("fp1d", "INBOX", 11, 100, statedb.Headers{MessageID: "shared2@d.com", Subject: "second"})
	if err != nil {
		t.Fatalf("ReserveDiscovery on already-skipped fingerprint: %v", err)
	}
	if isNew {
		t.Fatal("expected isNew=false: fp1d already has a row")
	}
}

func TestLifecycleDiscoveredToImported(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp2", "INBOX", 1, 100, statedb.Headers{MessageID: "x@d.com"}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}

	if err := db.RecordDownloaded("fp2", "ev/path.eml", "deadbeef", 1234); err != nil {
		t.Fatalf("RecordDownloaded: %v", err)
	}

	counts, err := db.CountsByStatus()
	if err != nil {
		t.Fatalf("CountsByStatus: %v", err)
	}
	if counts[statedb.StatusDownloaded] != 1 {
		t.Fatalf("expected 1 downloaded row, got %d", counts[statedb.StatusDownloaded])
	}

	if err := db.RecordImported("fp2", "gmail-remote-id-1", 0); err != nil {
		t.Fatalf("RecordImported: %v", err)
	}

	counts, err = db.CountsByStatus()
	if err != nil {
		t.Fatalf("CountsByStatus: %v", err)
	}
	if counts[statedb.StatusImported] != 1 {
		t.Fatalf("expected 1 imported row, got %d", counts[statedb.StatusImported])
	}
}

func TestRecordDownloadedRequiresDiscovered(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp3", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.RecordDownloaded("fp3", "ev/path.eml", "hash", 10); err != nil {
		t.Fatalf("first RecordDownloaded: %v", err)
	}

	// Already downloaded; a second call should fail the "prior status"
	// precondition rather than silently re-applying.
	if err := db.RecordDownloaded("fp3", "ev/path.eml", "hash", 10); err == nil {
		t.Fatal("expected error re-recording downloaded on an already-downloaded row")
	}
}

func TestRecordImportedRequiresDownloaded(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp4", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.RecordImported("fp4", "remote-1", 0); err == nil {
		t.Fatal("expected error importing a row still in discovered status")
	}
}

func TestRecordFailureRetryThenTerminal(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp5", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.RecordFailure("fp5", migerr.NetworkTransient, false, 3); err != nil {
			t.Fatalf("RecordFailure iteration %d: %v", i, err)
		}
	}
	counts, _ := db.CountsByStatus()
	if counts[statedb.StatusFailed] != 0 {
		t.Fatalf("row should not be terminal yet after 2/3 retries, got failed=%d", counts[statedb.StatusFailed])
	}

	for i := 0; i < 2; i++ {
		if err := db.RecordFailure("fp5", migerr.NetworkTransient, false, 3); err != nil {
			t.Fatalf("RecordFailure iteration %d: %v", i, err)
		}
	}
	counts, _ = db.CountsByStatus()
	if counts[statedb.StatusFailed] != 1 {
		t.Fatalf("expected row to become terminal after exceeding maxRetries, got failed=%d", counts[statedb.StatusFailed])
	}
}

func TestRecordFailurePermanentIsImmediatelyTerminal(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp6", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.RecordFailure("fp6", migerr.AuthFailed, true, 3); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	counts, _ := db.CountsByStatus()
	if counts[statedb.StatusFailed] != 1 {
		t.Fatalf("permanent failure should be terminal on first call, got failed=%d", counts[statedb.StatusFailed])
	}
}

func TestIteratePendingImport(t *testing.T) {
	db := openTestDB(t)

	for _, fp := range []string{"fp7", "fp8"} {
		if _, err := db.ReserveDiscovery(fp, "INBOX", 1, 100, statedb.Headers{}); err != nil {
			t.Fatalf("ReserveDiscovery(%s): %v", fp, err)
		}
		if err := db.RecordDownloaded(fp, "ev/"+fp+".eml", "hash", 1); err != nil {
			t.Fatalf("RecordDownloaded(%s): %v", fp, err)
		}
	}

	var seen []string
	err := db.IteratePendingImport(func(m statedb.Message) error {
		seen = append(seen, m.Fingerprint)
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePendingImport: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 pending rows, got %d", len(seen))
	}
}

func TestMarkSkipped(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp9", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.MarkSkipped("fp9", "filter_miss"); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}

	counts, _ := db.CountsByStatus()
	if counts[statedb.StatusSkipped] != 1 {
		t.Fatalf("expected 1 skipped row, got %d", counts[statedb.StatusSkipped])
	}
}

// TestMarkSkipped_LeavesImportedRowAlone covers a UIDVALIDITY-forced rescan
// re-discovering a fingerprint that already reached StatusImported in an
// earlier run: MarkSkipped must no-op rather than downgrade it, since the
// row is terminal and already carries a remote Gmail message id.
func TestMarkSkipped_LeavesImportedRowAlone(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp9b", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.RecordDownloaded("fp9b", "aa/bb/fp9b.eml", "deadbeef", 42); err != nil {
		t.Fatalf("RecordDownloaded: %v", err)
	}
	if err := db.RecordImported("fp9b", "gmail-remote-id", 0); err != nil {
		t.Fatalf("RecordImported: %v", err)
	}

	if err := db.MarkSkipped("fp9b", "duplicate"); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}

	counts, _ := db.CountsByStatus()
	if counts[statedb.StatusImported] != 1 {
		t.Fatalf("expected row to remain imported, counts = %+v", counts)
	}
	if counts[statedb.StatusSkipped] != 0 {
		t.Fatalf("expected no skipped rows, counts = %+v", counts)
	}
}

func TestFailedRowsAndAllAtOrAboveDownloaded(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp10", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.RecordFailure("fp10", migerr.AuthFailed, true, 3); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	failed, err := db.FailedRows()
	if err != nil {
		t.Fatalf("FailedRows: %v", err)
	}
	if len(failed) != 1 || failed[0].Fingerprint != "fp10" {
		t.Fatalf("FailedRows = %+v, want one row for fp10", failed)
	}

	all, err := db.AllAtOrAboveDownloaded()
	if err != nil {
		t.Fatalf("AllAtOrAboveDownloaded: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("a failure with no evidence_path should not appear in the evidence-bearing scope, got %d rows", len(all))
	}
}

func TestAllAtOrAboveDownloadedIncludesDownloaded(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ReserveDiscovery("fp11", "INBOX", 1, 100, statedb.Headers{}); err != nil {
		t.Fatalf("ReserveDiscovery: %v", err)
	}
	if err := db.RecordDownloaded("fp11", "ev/fp11.eml", "hash", 42); err != nil {
		t.Fatalf("RecordDownloaded: %v", err)
	}

	all, err := db.AllAtOrAboveDownloaded()
	if err != nil {
		t.Fatalf("AllAtOrAboveDownloaded: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 evidence-bearing row, got %d", len(all))
	}
}
