package statedb

import (
	"database/sql"
	"fmt"
)

// ResolveLabel returns the Gmail label id previously cached for
// customLabel, or found=false if it has never been created.
func (d *DB) ResolveLabel(customLabel string) (gmailLabelID string, found bool, err error) {
	d.mu.Lock()
	row := d.sqlc.QueryRow(`SELECT gmail_label_id FROM label_mappings WHERE custom_label = ?`, customLabel)
	var id sql.NullString
	scanErr := row.Scan(&id)
	d.mu.Unlock()

	if scanErr == sql.ErrNoRows {
		return "", false, nil
	}
	if scanErr != nil {
		return "", false, fmt.Errorf("statedb: resolve label %s: %w", customLabel, scanErr)
	}
	if !id.Valid {
		return "", false, nil
	}
	return id.String, true, nil
}

// StoreLabel records the Gmail label id created for customLabel, so future
// lookups resolve without a round trip to the Gmail label-create API.
func (d *DB) StoreLabel(customLabel, gmailLabelID string) error {
	return d.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO label_mappings (custom_label, gmail_label_id)
			VALUES (?, ?)
			ON CONFLICT(custom_label) DO UPDATE SET gmail_label_id = excluded.gmail_label_id`,
			customLabel, gmailLabelID,
		)
		if err != nil {
			return fmt.Errorf("statedb: store label %s: %w", customLabel, err)
		}
		return nil
	})
}
