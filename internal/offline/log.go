package offline

import (
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substream/substream-go/internal/monitoring"
	"github.com/substream/substream-go/internal/store"
)

// Log is the append-only record of actions taken while disconnected.
// Recording must never block or fail the user action that triggered it:
// a storage failure drops the record with a log line.
type Log struct {
	db        *sql.DB
	serverIdx int
	logger    *zap.Logger
}

// NewLog creates the action log for one server.
func NewLog(db *sql.DB, serverIdx int, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: db, serverIdx: serverIdx, logger: logger}
}

// RecordScrobble appends a deferred play report.
func (l *Log) RecordScrobble(entryID string) {
	l.record(store.ActionScrobble, entryID)
}

// RecordStar appends a deferred star or unstar.
func (l *Log) RecordStar(entryID string, starred bool) {
	kind := store.ActionStar
	if !starred {
		kind = store.ActionUnstar
	}
	l.record(kind, entryID)
}

func (l *Log) record(kind, entryID string) {
	action := &store.Action{
		ID:        uuid.NewString(),
		ServerIdx: l.serverIdx,
		Kind:      kind,
		EntryID:   entryID,
	}
	if err := store.AppendAction(l.db, action); err != nil {
		// Dropping one record beats blocking the user action.
		l.logger.Warn("offline action dropped",
			zap.String("kind", kind),
			zap.String("entry", entryID),
			zap.Error(err))
		return
	}
	monitoring.OfflineActionsRecorded.WithLabelValues(kind).Inc()
}

// Counts returns the pending totals for user-facing summaries. Star and
// unstar actions count together as rating changes.
func (l *Log) Counts() (scrobbles, stars int, err error) {
	byKind, err := store.CountActionsByKind(l.db, l.serverIdx)
	if err != nil {
		return 0, 0, err
	}
	return byKind[store.ActionScrobble], byKind[store.ActionStar] + byKind[store.ActionUnstar], nil
}

// Pending returns all recorded actions in order.
func (l *Log) Pending() ([]*store.Action, error) {
	return store.ListActions(l.db, l.serverIdx)
}

// Clear discards every pending action.
func (l *Log) Clear() error {
	return store.ClearActions(l.db, l.serverIdx)
}
