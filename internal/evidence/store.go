// Package evidence implements the content-addressed .eml store that backs
// every imported message with an on-disk, tamper-evident copy.
package evidence

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andrewmaspero/imap-icloud-migration/internal/fileutil"
	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// Store writes and reads raw message bytes under a two-level fanout
// directory keyed by fingerprint, so no single directory grows unbounded.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created if absent.
func New(dir string) (*Store, error) {
	if err := fileutil.SecureMkdirAll(dir, 0700); err != nil {
		return nil, migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: create root %s: %w", dir, err))
	}
	return &Store{root: dir}, nil
}

// Path returns the on-disk path for the given fingerprint without checking
// that it exists.
func (s *Store) Path(fingerprint string) string {
	return filepath.Join(append([]string{s.root}, fanout(fingerprint)...)...)
}

// Has reports whether evidence for fingerprint is already stored.
func (s *Store) Has(fingerprint string) bool {
	_, err := os.Stat(s.Path(fingerprint))
	return err == nil
}

// Put writes raw under the fingerprint's content-addressed path using a
// write-to-temp, fsync, atomic-rename protocol, then makes the file
// read-only. If a file already exists at the destination, its contents are
// compared against raw: identical content is treated as a successful no-op,
// differing content is reported as EvidenceCorruption since a fingerprint
// collision with non-identical bytes means one of the two computations
// (ours or a prior run's) is wrong.
func (s *Store) Put(fingerprint string, raw []byte) (string, error) {
	dest := s.Path(fingerprint)

	if existing, err := os.ReadFile(dest); err == nil {
		if sameBytes(existing, raw) {
			return dest, nil
		}
		return "", migerr.New(migerr.EvidenceCorruption, fmt.Errorf("evidence: fingerprint %s already stored with different content", fingerprint))
	}

	dir := filepath.Dir(dest)
	if err := fileutil.SecureMkdirAll(dir, 0700); err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: mkdir %s: %w", dir, err))
	}

	tmpPath := filepath.Join(dir, ".tmp-"+filepath.Base(dest)+"-"+randomSuffix())
	tmp, err := fileutil.SecureOpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: create temp file: %w", err))
	}
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: fsync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: close temp file: %w", err))
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: rename into place: %w", err))
	}

	if err := fileutil.SecureChmod(dest, 0444); err != nil {
		return "", migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: chmod read-only: %w", err))
	}

	return dest, nil
}

// Get reads back the raw bytes previously stored under fingerprint.
func (s *Store) Get(fingerprint string) ([]byte, error) {
	raw, err := os.ReadFile(s.Path(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: fingerprint %s not found: %w", fingerprint, err))
		}
		return nil, migerr.New(migerr.EvidenceIO, fmt.Errorf("evidence: read %s: %w", fingerprint, err))
	}
	return raw, nil
}

// Checksum returns the SHA-256 digest of the stored bytes for fingerprint,
// used by verify to detect bit rot or out-of-band tampering independent of
// how the fingerprint itself was derived.
func (s *Store) Checksum(fingerprint string) (string, error) {
	raw, err := s.Get(fingerprint)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// fanout splits a fingerprint into the two-level directory prefix plus the
// filename, e.g. "abcd1234..." -> ["ab", "cd", "abcd1234....eml"].
func fanout(fingerprint string) []string {
	if len(fingerprint) < 4 {
		return []string{"_short", fingerprint + ".eml"}
	}
	return []string{fingerprint[0:2], fingerprint[2:4], fingerprint + ".eml"}
}

// randomSuffix generates the unique part of a temp-file name; it mirrors
// what os.CreateTemp does internally, but as a fixed path so it can be
// opened through fileutil.SecureOpenFile instead of os.CreateTemp.
func randomSuffix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// the PID keeps this process's temp names apart from other
		// processes'. Two calls in this process get the same name, and
		// O_EXCL makes the second one fail rather than share the file.
		return hex.EncodeToString([]byte(fmt.Sprintf("%d", os.Getpid())))
	}
	return hex.EncodeToString(buf)
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
