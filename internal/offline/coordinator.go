package offline

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/substream/substream-go/internal/catalog"
	"github.com/substream/substream-go/internal/monitoring"
	"github.com/substream/substream-go/internal/store"
)

// Policy is the stored default for handling the action backlog when the
// engine comes back online.
type Policy string

const (
	PolicyAsk     Policy = "ask"
	PolicySync    Policy = "sync"
	PolicyDiscard Policy = "discard"
)

const policyKey = "sync_policy"

// Coordinator replays the offline action log against the catalog once per
// online transition. Replay is best effort: each action is an independent
// unit and failures are aggregated into a count, never propagated per
// action.
type Coordinator struct {
	db        *sql.DB
	serverIdx int
	service   catalog.Service
	log       *Log
	logger    *zap.Logger
}

// NewCoordinator creates a sync coordinator for one server.
func NewCoordinator(db *sql.DB, serverIdx int, service catalog.Service, log *Log, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:        db,
		serverIdx: serverIdx,
		service:   service,
		log:       log,
		logger:    logger,
	}
}

// Policy returns the stored default, or Ask when none was ever chosen.
func (c *Coordinator) Policy() Policy {
	var p Policy
	found, err := store.LoadRecord(c.db, c.serverIdx, policyKey, &p)
	if err != nil || !found {
		return PolicyAsk
	}
	switch p {
	case PolicySync, PolicyDiscard, PolicyAsk:
		return p
	default:
		return PolicyAsk
	}
}

// SetPolicy stores the default for future online transitions. The answer
// to a one-time prompt lands here when the user opts to remember it.
func (c *Coordinator) SetPolicy(p Policy) error {
	return store.SaveRecord(c.db, c.serverIdx, policyKey, p)
}

// OnOnline applies the stored policy to the backlog. With PolicyAsk the
// caller must prompt and call Sync or Discard itself; prompted reports
// that case.
func (c *Coordinator) OnOnline(ctx context.Context) (succeeded, total int, prompted bool, err error) {
	switch c.Policy() {
	case PolicySync:
		succeeded, total, err = c.Sync(ctx)
		return succeeded, total, false, err
	case PolicyDiscard:
		return 0, 0, false, c.Discard()
	default:
		return 0, 0, true, nil
	}
}

// Sync replays every pending action. Successful actions are removed
// individually, so a partial pass leaves exactly the unresolved remainder
// in the log. The coordinator never retries on its own; the next online
// transition or a manual trigger runs the next pass.
func (c *Coordinator) Sync(ctx context.Context) (succeeded, total int, err error) {
	actions, err := c.log.Pending()
	if err != nil {
		return 0, 0, err
	}
	total = len(actions)

	for _, action := range actions {
		if ctx.Err() != nil {
			return succeeded, total, ctx.Err()
		}

		replayErr := c.replay(ctx, action)
		if replayErr != nil {
			monitoring.SyncActionsTotal.WithLabelValues("failed").Inc()
			c.logger.Warn("offline action replay failed",
				zap.String("kind", action.Kind),
				zap.String("entry", action.EntryID),
				zap.Error(replayErr))
			continue
		}

		if err := store.DeleteAction(c.db, action.ID); err != nil {
			c.logger.Warn("failed to remove replayed action", zap.Error(err))
			continue
		}
		monitoring.SyncActionsTotal.WithLabelValues("ok").Inc()
		succeeded++
	}

	return succeeded, total, nil
}

// Discard drops the backlog without replaying it.
func (c *Coordinator) Discard() error {
	return c.log.Clear()
}

func (c *Coordinator) replay(ctx context.Context, action *store.Action) error {
	switch action.Kind {
	case store.ActionScrobble:
		// Replay with the original timestamp so server-side play
		// history reflects when the track was actually played.
		return c.service.SubmitScrobble(ctx, action.EntryID, true, action.CreatedAt)
	case store.ActionStar:
		return c.service.SubmitStar(ctx, action.EntryID, true)
	case store.ActionUnstar:
		return c.service.SubmitStar(ctx, action.EntryID, false)
	default:
		c.logger.Warn("unknown offline action kind", zap.String("kind", action.Kind))
		return nil
	}
}
