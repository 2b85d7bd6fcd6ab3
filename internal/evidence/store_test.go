package evidence_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/andrewmaspero/imap-icloud-migration/internal/evidence"
	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

const testFingerprint = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := evidence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw := []byte("From: a@example.com\r\nSubject: hi\r\n\r\nbody")
	path, err := s.Put(testFingerprint, raw)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	wantSuffix := filepath.Join("01", "23", testFingerprint+".eml")
	if filepath.Base(filepath.Dir(path)) != "23" {
		t.Errorf("path = %q, want suffix %q", path, wantSuffix)
	}

	got, err := s.Get(testFingerprint)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("content = %q, want %q", got, raw)
	}

	if !s.Has(testFingerprint) {
		t.Error("Has() = false after Put")
	}
}

func TestPutIdempotentSameContent(t *testing.T) {
	dir := t.TempDir()
	s, _ := evidence.New(dir)
	raw := []byte("identical content")

	if _, err := s.Put(testFingerprint, raw); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if _, err := s.Put(testFingerprint, raw); err != nil {
		t.Fatalf("second Put should be a no-op, got error: %v", err)
	}
}

func TestPutCollisionDifferentContent(t *testing.T) {
	dir := t.TempDir()
	s, _ := evidence.New(dir)

	if _, err := s.Put(testFingerprint, []byte("first")); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := s.Put(testFingerprint, []byte("second, different"))
	if err == nil {
		t.Fatal("expected error on fingerprint collision with different content")
	}
	if migerr.Classify(err) != migerr.EvidenceCorruption {
		t.Errorf("Classify(err) = %v, want EvidenceCorruption", migerr.Classify(err))
	}
}

func TestGetMissing(t *testing.T) {
	dir := t.TempDir()
	s, _ := evidence.New(dir)

	_, err := s.Get(testFingerprint)
	if err == nil {
		t.Fatal("expected error for missing fingerprint")
	}
	if migerr.Classify(err) != migerr.EvidenceIO {
		t.Errorf("Classify(err) = %v, want EvidenceIO", migerr.Classify(err))
	}
}

func TestPutResultIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	s, _ := evidence.New(dir)

	path, err := s.Put(testFingerprint, []byte("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm()&0222 != 0 {
		t.Errorf("stored file should be read-only, got mode %o", info.Mode().Perm())
	}
}

func TestChecksum(t *testing.T) {
	dir := t.TempDir()
	s, _ := evidence.New(dir)
	raw := []byte("checksum me")

	if _, err := s.Put(testFingerprint, raw); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sum, err := s.Checksum(testFingerprint)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if len(sum) != 64 {
		t.Errorf("Checksum length = %d, want 64 (hex sha256)", len(sum))
	}
}

func TestShortFingerprintFallback(t *testing.T) {
	dir := t.TempDir()
	s, _ := evidence.New(dir)

	if _, err := s.Put("ab", []byte("tiny")); err != nil {
		t.Fatalf("Put with short fingerprint: %v", err)
	}
	if !s.Has("ab") {
		t.Error("Has() = false for short fingerprint that was just stored")
	}
}
