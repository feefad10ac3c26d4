package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DownloadRecord is the persisted state of one cached media file. Pins and
// completed files must survive a process restart, so every structural change
// to a download is written through here.
type DownloadRecord struct {
	ServerIdx       int
	EntryID         string
	State           string
	Pinned          bool
	PartialPath     string
	CompletePath    string
	BytesDownloaded int64
	TotalBytes      int64
	LastPlayedAt    *time.Time
	CompletedAt     *time.Time
}

// SaveDownload inserts or updates the download index row for an entry.
func SaveDownload(db *sql.DB, rec *DownloadRecord) error {
	_, err := db.Exec(`
		INSERT INTO downloads (
			server_idx, entry_id, state, pinned, partial_path, complete_path,
			bytes_downloaded, total_bytes, last_played_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(server_idx, entry_id) DO UPDATE SET
			state = excluded.state,
			pinned = excluded.pinned,
			partial_path = excluded.partial_path,
			complete_path = excluded.complete_path,
			bytes_downloaded = excluded.bytes_downloaded,
			total_bytes = excluded.total_bytes,
			last_played_at = excluded.last_played_at,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ServerIdx, rec.EntryID, rec.State, rec.Pinned,
		rec.PartialPath, rec.CompletePath,
		rec.BytesDownloaded, rec.TotalBytes,
		rec.LastPlayedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save download %s: %w", rec.EntryID, err)
	}
	return nil
}

// GetDownload returns the download record for an entry, or nil when the
// entry has never been downloaded.
func GetDownload(db *sql.DB, serverIdx int, entryID string) (*DownloadRecord, error) {
	row := db.QueryRow(`
		SELECT server_idx, entry_id, state, pinned, partial_path, complete_path,
		       bytes_downloaded, total_bytes, last_played_at, completed_at
		FROM downloads
		WHERE server_idx = ? AND entry_id = ?
	`, serverIdx, entryID)

	rec, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download %s: %w", entryID, err)
	}
	return rec, nil
}

// ListDownloads returns all download records for a server.
func ListDownloads(db *sql.DB, serverIdx int) ([]*DownloadRecord, error) {
	rows, err := db.Query(`
		SELECT server_idx, entry_id, state, pinned, partial_path, complete_path,
		       bytes_downloaded, total_bytes, last_played_at, completed_at
		FROM downloads
		WHERE server_idx = ?
		ORDER BY created_at, entry_id
	`, serverIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var records []*DownloadRecord
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListEvictable returns completed, unpinned downloads ordered least recently
// played first. Files never played sort by completion time instead.
func ListEvictable(db *sql.DB, serverIdx int) ([]*DownloadRecord, error) {
	rows, err := db.Query(`
		SELECT server_idx, entry_id, state, pinned, partial_path, complete_path,
		       bytes_downloaded, total_bytes, last_played_at, completed_at
		FROM downloads
		WHERE server_idx = ? AND state = 'complete' AND pinned = 0
		ORDER BY COALESCE(last_played_at, completed_at), entry_id
	`, serverIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to list evictable downloads: %w", err)
	}
	defer rows.Close()

	var records []*DownloadRecord
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TouchLastPlayed records a playback for LRU eviction ordering.
func TouchLastPlayed(db *sql.DB, serverIdx int, entryID string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE downloads SET last_played_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE server_idx = ? AND entry_id = ?
	`, at, serverIdx, entryID)
	if err != nil {
		return fmt.Errorf("failed to touch download %s: %w", entryID, err)
	}
	return nil
}

// DeleteDownload removes a download index row after its file is evicted.
func DeleteDownload(db *sql.DB, serverIdx int, entryID string) error {
	_, err := db.Exec(
		"DELETE FROM downloads WHERE server_idx = ? AND entry_id = ?",
		serverIdx, entryID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete download %s: %w", entryID, err)
	}
	return nil
}

// DeleteIncompleteDownloads removes index rows for downloads that never
// completed, used when switching servers.
func DeleteIncompleteDownloads(db *sql.DB, serverIdx int) error {
	_, err := db.Exec(
		"DELETE FROM downloads WHERE server_idx = ? AND state != 'complete'",
		serverIdx,
	)
	if err != nil {
		return fmt.Errorf("failed to delete incomplete downloads: %w", err)
	}
	return nil
}

// AddHistory records a completed download for diagnostics.
func AddHistory(db *sql.DB, serverIdx int, entryID, title string, bytes int64) error {
	_, err := db.Exec(`
		INSERT INTO download_history (server_idx, entry_id, title, bytes)
		VALUES (?, ?, ?, ?)
	`, serverIdx, entryID, title, bytes)
	if err != nil {
		return fmt.Errorf("failed to add download history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*DownloadRecord, error) {
	rec := &DownloadRecord{}
	var lastPlayed, completed sql.NullTime
	err := row.Scan(
		&rec.ServerIdx, &rec.EntryID, &rec.State, &rec.Pinned,
		&rec.PartialPath, &rec.CompletePath,
		&rec.BytesDownloaded, &rec.TotalBytes,
		&lastPlayed, &completed,
	)
	if err != nil {
		return nil, err
	}
	if lastPlayed.Valid {
		rec.LastPlayedAt = &lastPlayed.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}
