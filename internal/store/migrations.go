package store

import (
	"database/sql"
	"fmt"
)

// Migration represents a single database migration
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
-- Per-server key/value records for small JSON-serialized state
-- (recently-added lists, identity cache entries, sync policy, counters)
CREATE TABLE IF NOT EXISTS records (
    server_idx INTEGER NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (server_idx, key)
);

-- Deferred actions recorded while offline, replayed on reconnect
CREATE TABLE IF NOT EXISTS offline_actions (
    id TEXT PRIMARY KEY,
    server_idx INTEGER NOT NULL,
    kind TEXT NOT NULL,
    entry_id TEXT NOT NULL,
    payload TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_actions_server ON offline_actions(server_idx, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_kind ON offline_actions(server_idx, kind);

-- Download index: cached media state that must survive restarts
CREATE TABLE IF NOT EXISTS downloads (
    server_idx INTEGER NOT NULL,
    entry_id TEXT NOT NULL,
    state TEXT NOT NULL,
    pinned INTEGER NOT NULL DEFAULT 0,
    partial_path TEXT,
    complete_path TEXT,
    bytes_downloaded INTEGER NOT NULL DEFAULT 0,
    total_bytes INTEGER NOT NULL DEFAULT 0,
    last_played_at DATETIME,
    completed_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (server_idx, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(server_idx, state);
CREATE INDEX IF NOT EXISTS idx_downloads_pinned ON downloads(server_idx, pinned);
`,
	},
	{
		Version: 2,
		Name:    "add_download_history",
		Up: `
-- Completed download history for diagnostics
CREATE TABLE IF NOT EXISTS download_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    server_idx INTEGER NOT NULL,
    entry_id TEXT NOT NULL,
    title TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    downloaded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_history_date ON download_history(downloaded_at DESC);
`,
	},
	{
		Version: 3,
		Name:    "optimize_eviction_queries",
		Up: `
-- Composite index for LRU eviction scans over completed files
CREATE INDEX IF NOT EXISTS idx_downloads_eviction ON downloads(server_idx, state, pinned, last_played_at);
`,
	},
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	// Create migrations table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	// Apply pending migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			migration.Version,
			migration.Name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// getCurrentVersion returns the current schema version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
