// Package statedb is the durable SQLite store of per-message rows, per-folder
// checkpoints, and the label-mapping dedupe index. It is the single writer
// of truth for the migration: every state transition commits inside one
// transaction spanning at most one message.
package statedb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

//go:embed schema.sql
var schemaFS embed.FS

const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON"

// DB wraps a SQLite connection serialized behind a mutex. SQLite allows
// concurrent readers but the migration's write pattern (one transaction per
// message, from many goroutines) is simpler and just as fast to serialize
// explicitly than to tune the driver's own locking.
type DB struct {
	mu   sync.Mutex
	sqlc *sql.DB
	path string
}

// Open creates the parent directory if needed, opens the SQLite file at
// path with WAL journaling, and applies the schema.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, migerr.New(migerr.ConfigInvalid, fmt.Errorf("statedb: create dir %s: %w", dir, err))
	}

	sqlc, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, migerr.New(migerr.ConfigInvalid, fmt.Errorf("statedb: open %s: %w", path, err))
	}
	// SQLite only supports one writer at a time; the DB's own mutex already
	// serializes our write transactions, so a single connection avoids
	// SQLITE_BUSY churn from the database/sql pool handing writes to
	// multiple driver connections.
	sqlc.SetMaxOpenConns(1)

	if err := sqlc.Ping(); err != nil {
		sqlc.Close()
		return nil, migerr.New(migerr.ConfigInvalid, fmt.Errorf("statedb: ping %s: %w", path, err))
	}

	db := &DB{sqlc: sqlc, path: path}
	if err := db.initSchema(); err != nil {
		sqlc.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sqlc.Close()
}

func (d *DB) initSchema() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("statedb: read schema.sql: %w", err))
	}
	if _, err := d.sqlc.Exec(string(schema)); err != nil {
		return migerr.New(migerr.ConfigInvalid, fmt.Errorf("statedb: apply schema: %w", err))
	}
	return nil
}

// withTx runs fn inside a transaction, holding the DB's write mutex for the
// whole call so that concurrent callers from the pipeline's workers observe
// a strictly serialized sequence of message-state transitions.
func (d *DB) withTx(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sqlc.Begin()
	if err != nil {
		return migerr.New(migerr.EvidenceIO, fmt.Errorf("statedb: begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return migerr.New(migerr.EvidenceIO, fmt.Errorf("statedb: commit tx: %w", err))
	}
	return nil
}

// isSQLiteError reports whether err is a sqlite3.Error whose message
// contains substr, handling both the value and pointer forms the driver
// returns depending on call path.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// chunkSize bounds IN-clause and multi-row INSERT batches below SQLite's
// default SQLITE_MAX_VARIABLE_NUMBER (999), leaving margin for other bound
// parameters in the same statement.
const chunkSize = 500

// queryInChunks executes a parameterized IN-query in chunks. queryTemplate
// must contain one %s placeholder for the comma-separated "?" list.
func queryInChunks(sqlc *sql.DB, ids []string, prefixArgs []interface{}, queryTemplate string, fn func(*sql.Rows) error) error {
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, 0, len(prefixArgs)+len(chunk))
		args = append(args, prefixArgs...)
		for j, id := range chunk {
			placeholders[j] = "?"
			args = append(args, id)
		}

		query := fmt.Sprintf(queryTemplate, strings.Join(placeholders, ","))
		rows, err := sqlc.Query(query, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := fn(rows); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}
