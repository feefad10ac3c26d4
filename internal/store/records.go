package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveRecord stores a JSON-serialized value under a per-server key.
// Records hold small state objects: recently-added lists, identity cache
// entries, the sync policy, and persistent counters.
func SaveRecord(db *sql.DB, serverIdx int, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize record %q: %w", key, err)
	}

	_, err = db.Exec(`
		INSERT INTO records (server_idx, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(server_idx, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, serverIdx, key, string(data))
	if err != nil {
		return fmt.Errorf("failed to save record %q: %w", key, err)
	}
	return nil
}

// LoadRecord reads a record into out. It returns false when no record
// exists for the key, which is not an error.
func LoadRecord(db *sql.DB, serverIdx int, key string, out any) (bool, error) {
	var data string
	err := db.QueryRow(
		"SELECT value FROM records WHERE server_idx = ? AND key = ?",
		serverIdx, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load record %q: %w", key, err)
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("failed to deserialize record %q: %w", key, err)
	}
	return true, nil
}

// DeleteRecord removes a record. Deleting a missing record is a no-op.
func DeleteRecord(db *sql.DB, serverIdx int, key string) error {
	_, err := db.Exec(
		"DELETE FROM records WHERE server_idx = ? AND key = ?",
		serverIdx, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete record %q: %w", key, err)
	}
	return nil
}

// ClearServerRecords removes all records for a server, used when a server
// configuration is deleted.
func ClearServerRecords(db *sql.DB, serverIdx int) error {
	_, err := db.Exec("DELETE FROM records WHERE server_idx = ?", serverIdx)
	if err != nil {
		return fmt.Errorf("failed to clear records for server %d: %w", serverIdx, err)
	}
	return nil
}
