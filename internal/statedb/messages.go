package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// Status is a message row's lifecycle state.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusDownloaded Status = "downloaded"
	StatusSkipped    Status = "skipped"
	StatusImported   Status = "imported"
	StatusFailed     Status = "failed"
)

// Headers carries the subset of parsed message metadata needed to reserve a
// discovery row, ahead of the full body being fetched.
type Headers struct {
	MessageID    string // already normalized (lowercase, brackets stripped) or empty
	Subject      string
	From         string
	To           string
	Cc           string
	Bcc          string
	DateHeader   string
	ReceivedDate string
}

// Message is a full message row as read back from the store.
type Message struct {
	Fingerprint     string
	MessageID       sql.NullString
	Folder          string
	UID             uint32
	UIDValidity     uint32
	Subject         sql.NullString
	From            sql.NullString
	To              sql.NullString
	Cc              sql.NullString
	Bcc             sql.NullString
	DateHeader      sql.NullString
	ReceivedDate    sql.NullString
	EvidencePath    sql.NullString
	EvidenceSHA256  sql.NullString
	ByteSize        int64
	Status          Status
	RetryCount      int
	LastErrorKind   sql.NullString
	Notes           sql.NullString
	RemoteMessageID sql.NullString
	CreatedAt       string
	UpdatedAt       string
}

func messageIDOrNil(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

// ReserveDiscovery inserts a new row under StatusDiscovered for the given
// fingerprint, or returns the existing row's identity if the fingerprint was
// already seen (isNew=false). This is the dedupe gate: callers must not
// proceed to fetch the body or write evidence when isNew is false.
func (d *DB) ReserveDiscovery(fingerprint, folder string, uid, uidvalidity uint32, h Headers) (isNew bool, err error) {
	err = d.withTx(func(tx *sql.Tx) error {
		var existing string
		row := tx.QueryRow(`SELECT fingerprint FROM messages WHERE fingerprint = ?`, fingerprint)
		scanErr := row.Scan(&existing)
		if scanErr == nil {
			isNew = false
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("statedb: check existing fingerprint: %w", scanErr)
		}

		_, insertErr := tx.Exec(`
			INSERT INTO messages (
				fingerprint, message_id, folder, uid, uidvalidity,
				subject, from_addr, to_addrs, cc_addrs, bcc_addrs,
				date_header, received_date, byte_size, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			fingerprint, messageIDOrNil(h.MessageID), folder, uid, uidvalidity,
			h.Subject, h.From, h.To, h.Cc, h.Bcc,
			h.DateHeader, h.ReceivedDate, string(StatusDiscovered),
		)
		if insertErr != nil {
			if isSQLiteError(insertErr, "UNIQUE constraint failed: messages.message_id") {
				return migerr.New(migerr.ParseError, fmt.Errorf("statedb: duplicate message_id %q: %w", h.MessageID, insertErr))
			}
			return fmt.Errorf("statedb: insert discovered row: %w", insertErr)
		}
		isNew = true
		return nil
	})
	return isNew, err
}

// RecordDuplicateMessageID reserves fingerprint directly under StatusSkipped
// when ReserveDiscovery reported a message_id collision with some other,
// already-discovered fingerprint (migerr.ParseError): two distinct messages
// sharing one Message-Id header is a header collision, not a content
// duplicate, so this UID still gets its own row rather than being folded
// into the other fingerprint's. The failed INSERT inside ReserveDiscovery
// rolled back, so there is no existing row for MarkSkipped's UPDATE to find;
// message_id is left NULL here so the partial unique index never sees a
// second value for it.
func (d *DB) RecordDuplicateMessageID(fingerprint, folder string, uid, uidvalidity uint32, h Headers) error {
	return d.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO messages (
				fingerprint, message_id, folder, uid, uidvalidity,
				subject, from_addr, to_addrs, cc_addrs, bcc_addrs,
				date_header, received_date, byte_size, status, notes
			) VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			fingerprint, folder, uid, uidvalidity,
			h.Subject, h.From, h.To, h.Cc, h.Bcc,
			h.DateHeader, h.ReceivedDate, string(StatusSkipped), "duplicate_message_id",
		)
		if err != nil {
			return fmt.Errorf("statedb: insert duplicate message_id row: %w", err)
		}
		return nil
	})
}

// MarkSkipped transitions a row straight to StatusSkipped (filter miss, or
// the losing side of a fingerprint collision), recording reason in notes.
// The transition only applies from StatusDiscovered: a fingerprint that
// already progressed past discovery in an earlier run (downloaded, imported,
// or a terminal failure) must not be downgraded just because a later rescan
// (e.g. a UIDVALIDITY-forced full rescan) re-discovers the same content, so
// a row found in any other status is left untouched rather than reported as
// an error.
func (d *DB) MarkSkipped(fingerprint, reason string) error {
	return d.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE messages SET status = ?, notes = ?, updated_at = ?
			WHERE fingerprint = ? AND status = ?`,
			string(StatusSkipped), reason, nowRFC3339(), fingerprint, string(StatusDiscovered),
		)
		if err != nil {
			return fmt.Errorf("statedb: mark skipped: %w", err)
		}
		return nil
	})
}

// RecordDownloaded requires the row currently be StatusDiscovered and
// promotes it to StatusDownloaded with the evidence identity attached.
func (d *DB) RecordDownloaded(fingerprint, evidencePath, sha256 string, size int64) error {
	return d.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE messages SET status = ?, evidence_path = ?, evidence_sha256 = ?,
				byte_size = ?, updated_at = ?
			WHERE fingerprint = ? AND status = ?`,
			string(StatusDownloaded), evidencePath, sha256, size, nowRFC3339(),
			fingerprint, string(StatusDiscovered),
		)
		if err != nil {
			return fmt.Errorf("statedb: record downloaded: %w", err)
		}
		return requireRowsAffected(res)
	})
}

// RecordImported requires the row currently be StatusDownloaded and promotes
// it to StatusImported with the remote Gmail message id attached. retries is
// the Gmail write's own internal retry count (429/5xx/401 attempts absorbed
// before this call succeeded); it overwrites retry_count so a row that only
// needed quota backoff, never an ingest-level failure, still reports how
// many attempts it took (spec's "retry counter = 3" after three 429s).
func (d *DB) RecordImported(fingerprint, remoteID string, retries int) error {
	return d.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE messages SET status = ?, remote_message_id = ?, retry_count = ?, updated_at = ?
			WHERE fingerprint = ? AND status = ?`,
			string(StatusImported), remoteID, retries, nowRFC3339(),
			fingerprint, string(StatusDownloaded),
		)
		if err != nil {
			return fmt.Errorf("statedb: record imported: %w", err)
		}
		return requireRowsAffected(res)
	})
}

// RecordFailure increments the retry counter and marks the row StatusFailed
// when permanent is true or the retry count has exceeded maxRetries.
func (d *DB) RecordFailure(fingerprint string, kind migerr.Kind, permanent bool, maxRetries int) error {
	return d.withTx(func(tx *sql.Tx) error {
		var retryCount int
		row := tx.QueryRow(`SELECT retry_count FROM messages WHERE fingerprint = ?`, fingerprint)
		if err := row.Scan(&retryCount); err != nil {
			return fmt.Errorf("statedb: read retry_count: %w", err)
		}
		retryCount++

		var status string
		row2 := tx.QueryRow(`SELECT status FROM messages WHERE fingerprint = ?`, fingerprint)
		if err := row2.Scan(&status); err != nil {
			return fmt.Errorf("statedb: read status: %w", err)
		}
		if permanent || retryCount > maxRetries {
			status = string(StatusFailed)
		}

		_, err := tx.Exec(`
			UPDATE messages SET status = ?, retry_count = ?, last_error_kind = ?, updated_at = ?
			WHERE fingerprint = ?`,
			status, retryCount, kind.String(), nowRFC3339(), fingerprint,
		)
		if err != nil {
			return fmt.Errorf("statedb: record failure: %w", err)
		}
		return nil
	})
}

// IteratePendingImport streams every row currently in StatusDownloaded,
// driving the ingestion queue on resume.
func (d *DB) IteratePendingImport(fn func(Message) error) error {
	d.mu.Lock()
	rows, err := d.sqlc.Query(`
		SELECT fingerprint, message_id, folder, uid, uidvalidity, subject, from_addr,
			to_addrs, cc_addrs, bcc_addrs, date_header, received_date,
			evidence_path, evidence_sha256, byte_size, status, retry_count,
			last_error_kind, notes, remote_message_id, created_at, updated_at
		FROM messages WHERE status = ?`, string(StatusDownloaded))
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("statedb: query pending import: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var status string
	err := rows.Scan(
		&m.Fingerprint, &m.MessageID, &m.Folder, &m.UID, &m.UIDValidity, &m.Subject, &m.From,
		&m.To, &m.Cc, &m.Bcc, &m.DateHeader, &m.ReceivedDate,
		&m.EvidencePath, &m.EvidenceSHA256, &m.ByteSize, &status, &m.RetryCount,
		&m.LastErrorKind, &m.Notes, &m.RemoteMessageID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("statedb: scan message row: %w", err)
	}
	m.Status = Status(status)
	return m, nil
}

// CountsByStatus returns the number of rows in each lifecycle status, for
// the JSON report summary.
func (d *DB) CountsByStatus() (map[Status]int64, error) {
	d.mu.Lock()
	rows, err := d.sqlc.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("statedb: count by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int64{
		StatusDiscovered: 0, StatusDownloaded: 0, StatusSkipped: 0,
		StatusImported: 0, StatusFailed: 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("statedb: scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// FailedRows returns every row currently in StatusFailed, for the JSON
// report's failures list.
func (d *DB) FailedRows() ([]Message, error) {
	d.mu.Lock()
	rows, err := d.sqlc.Query(`
		SELECT fingerprint, message_id, folder, uid, uidvalidity, subject, from_addr,
			to_addrs, cc_addrs, bcc_addrs, date_header, received_date,
			evidence_path, evidence_sha256, byte_size, status, retry_count,
			last_error_kind, notes, remote_message_id, created_at, updated_at
		FROM messages WHERE status = ?`, string(StatusFailed))
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("statedb: query failed rows: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllAtOrAboveDownloaded returns every row carrying an evidence file — the
// set verify must check per the StateDB invariant that status >= downloaded
// implies a non-null evidence path and hash.
func (d *DB) AllAtOrAboveDownloaded() ([]Message, error) {
	d.mu.Lock()
	rows, err := d.sqlc.Query(`
		SELECT fingerprint, message_id, folder, uid, uidvalidity, subject, from_addr,
			to_addrs, cc_addrs, bcc_addrs, date_header, received_date,
			evidence_path, evidence_sha256, byte_size, status, retry_count,
			last_error_kind, notes, remote_message_id, created_at, updated_at
		FROM messages WHERE status IN (?, ?, ?) AND evidence_path IS NOT NULL`,
		string(StatusDownloaded), string(StatusImported), string(StatusFailed))
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("statedb: query evidence-bearing rows: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("statedb: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("statedb: update affected no rows (unexpected prior status)")
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
