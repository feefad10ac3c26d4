package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Action kinds recorded while offline.
const (
	ActionScrobble = "scrobble"
	ActionStar     = "star"
	ActionUnstar   = "unstar"
)

// Action is one deferred operation recorded while the engine was offline.
type Action struct {
	ID        string
	ServerIdx int
	Kind      string
	EntryID   string
	Payload   string
	CreatedAt time.Time
}

// AppendAction records a deferred action at the end of the log.
func AppendAction(db *sql.DB, action *Action) error {
	_, err := db.Exec(`
		INSERT INTO offline_actions (id, server_idx, kind, entry_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`, action.ID, action.ServerIdx, action.Kind, action.EntryID, action.Payload)
	if err != nil {
		return fmt.Errorf("failed to append offline action: %w", err)
	}
	return nil
}

// ListActions returns all deferred actions for a server in recorded order.
func ListActions(db *sql.DB, serverIdx int) ([]*Action, error) {
	rows, err := db.Query(`
		SELECT id, server_idx, kind, entry_id, payload, created_at
		FROM offline_actions
		WHERE server_idx = ?
		ORDER BY created_at, id
	`, serverIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline actions: %w", err)
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		action := &Action{}
		if err := rows.Scan(
			&action.ID, &action.ServerIdx, &action.Kind,
			&action.EntryID, &action.Payload, &action.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan offline action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// CountActionsByKind returns the number of pending actions per kind.
func CountActionsByKind(db *sql.DB, serverIdx int) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT kind, COUNT(*) FROM offline_actions
		WHERE server_idx = ?
		GROUP BY kind
	`, serverIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to count offline actions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

// DeleteAction removes a single replayed action by id.
func DeleteAction(db *sql.DB, id string) error {
	_, err := db.Exec("DELETE FROM offline_actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete offline action %s: %w", id, err)
	}
	return nil
}

// ClearActions discards every pending action for a server.
func ClearActions(db *sql.DB, serverIdx int) error {
	_, err := db.Exec("DELETE FROM offline_actions WHERE server_idx = ?", serverIdx)
	if err != nil {
		return fmt.Errorf("failed to clear offline actions: %w", err)
	}
	return nil
}
