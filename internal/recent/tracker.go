package recent

import (
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"github.com/substream/substream-go/internal/catalog"
	"github.com/substream/substream-go/internal/store"
)

// maxSeen bounds the per-server history of already counted album IDs.
const maxSeen = 40

const (
	seenKey  = "recently_added_seen"
	badgeKey = "recently_added_badge"
)

// Tracker computes the "new albums since last viewed" badge. It keeps a
// bounded FIFO of album IDs already counted, per server, so the same
// album is never counted twice.
type Tracker struct {
	db        *sql.DB
	serverIdx int
	logger    *zap.Logger

	mu    sync.Mutex
	seen  []string
	badge int
	ready bool
}

// NewTracker creates the tracker for one server.
func NewTracker(db *sql.DB, serverIdx int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, serverIdx: serverIdx, logger: logger}
}

func (t *Tracker) loadLocked() error {
	if t.ready {
		return nil
	}
	if _, err := store.LoadRecord(t.db, t.serverIdx, seenKey, &t.seen); err != nil {
		return err
	}
	if _, err := store.LoadRecord(t.db, t.serverIdx, badgeKey, &t.badge); err != nil {
		return err
	}
	t.ready = true
	return nil
}

// Observe counts albums not seen before and folds them into the badge.
// The first observation on a fresh install seeds the history and reports
// zero, since everything is "new" only relative to a previous view.
func (t *Tracker) Observe(albums []catalog.Album) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.loadLocked(); err != nil {
		return 0, err
	}

	firstRun := len(t.seen) == 0

	known := make(map[string]bool, len(t.seen))
	for _, id := range t.seen {
		known[id] = true
	}

	newCount := 0
	for _, album := range albums {
		if known[album.ID] {
			continue
		}
		known[album.ID] = true
		t.seen = append(t.seen, album.ID)
		newCount++
	}

	// FIFO bound: oldest entries leave first
	if len(t.seen) > maxSeen {
		t.seen = t.seen[len(t.seen)-maxSeen:]
	}

	if firstRun {
		newCount = 0
	}
	t.badge += newCount

	if err := store.SaveRecord(t.db, t.serverIdx, seenKey, t.seen); err != nil {
		return newCount, err
	}
	if err := store.SaveRecord(t.db, t.serverIdx, badgeKey, t.badge); err != nil {
		return newCount, err
	}
	return newCount, nil
}

// Badge returns the accumulated count of new albums since the last reset.
func (t *Tracker) Badge() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return 0, err
	}
	return t.badge, nil
}

// ResetBadge clears the badge once the user has viewed the list.
func (t *Tracker) ResetBadge() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return err
	}
	t.badge = 0
	return store.SaveRecord(t.db, t.serverIdx, badgeKey, t.badge)
}

// Seen returns a copy of the tracked history, oldest first.
func (t *Tracker) Seen() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]string, len(t.seen))
	copy(out, t.seen)
	return out, nil
}
