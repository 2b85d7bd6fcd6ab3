package statedb_test

import (
	"testing"

	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

func TestLoadCheckpointMissing(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.LoadCheckpoint("INBOX", 100)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a folder never checkpointed")
	}
}

func TestCheckpointFolderUpsert(t *testing.T) {
	db := openTestDB(t)

	if err := db.CheckpointFolder("INBOX", 100, 50, statedb.CheckpointScanning, 50); err != nil {
		t.Fatalf("CheckpointFolder insert: %v", err)
	}

	cp, found, err := db.LoadCheckpoint("INBOX", 100)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !found || cp.HighestUIDDone != 50 {
		t.Fatalf("LoadCheckpoint = %+v, found=%v", cp, found)
	}

	if err := db.CheckpointFolder("INBOX", 100, 120, statedb.CheckpointDone, 120); err != nil {
		t.Fatalf("CheckpointFolder update: %v", err)
	}

	cp, _, err = db.LoadCheckpoint("INBOX", 100)
	if err != nil {
		t.Fatalf("LoadCheckpoint after update: %v", err)
	}
	if cp.HighestUIDDone != 120 || cp.Status != statedb.CheckpointDone {
		t.Fatalf("expected upsert to advance watermark and status, got %+v", cp)
	}
}

func TestUIDValidityChangeStartsNewCheckpoint(t *testing.T) {
	db := openTestDB(t)

	if err := db.CheckpointFolder("INBOX", 100, 50, statedb.CheckpointDone, 50); err != nil {
		t.Fatalf("CheckpointFolder: %v", err)
	}

	// A UIDVALIDITY change is a different primary key entirely, so the old
	// progress for epoch 100 must not be visible under epoch 200.
	_, found, err := db.LoadCheckpoint("INBOX", 200)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if found {
		t.Fatal("expected no checkpoint under a new UIDVALIDITY epoch")
	}
}

func TestAllCheckpoints(t *testing.T) {
	db := openTestDB(t)

	if err := db.CheckpointFolder("INBOX", 1, 1, statedb.CheckpointDone, 1); err != nil {
		t.Fatalf("CheckpointFolder INBOX: %v", err)
	}
	if err := db.CheckpointFolder("Archive", 1, 2, statedb.CheckpointDone, 2); err != nil {
		t.Fatalf("CheckpointFolder Archive: %v", err)
	}

	all, err := db.AllCheckpoints()
	if err != nil {
		t.Fatalf("AllCheckpoints: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 checkpoint rows, got %d", len(all))
	}
}
