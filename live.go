package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/statecache"
)

// RegisterLive makes the observer watch a running session. Its previous
// target is torn down. If the session is already known the observer is sent
// an initialization snapshot of its cached state.
func (e *Engine) RegisterLive(ctx context.Context, id string, key events.SessionKey) error {
	ctx = withOp(ctx, id, "register_live")
	if key.IsPlayback() {
		return &errdefs.ConflictError{Observer: id, Reason: "cannot watch replay " + key.String() + " live"}
	}
	if err := e.reg.RegisterLive(id, key); err != nil {
		return err
	}
	e.cache.SetAttached(key, true)

	entry, ok := e.cache.Get(key)
	if !ok {
		e.log.DebugContext(ctx, "engine.live.registered", slog.Bool("snapshot", false))
		return nil
	}
	sub, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	ev, err := initialization(entry, e.nextSeq())
	if err != nil {
		return err
	}
	if err := sub.Observer.Deliver(ctx, ev); err != nil {
		return fmt.Errorf("deliver initialization: %w", err)
	}
	e.log.DebugContext(ctx, "engine.live.registered", slog.Bool("snapshot", true))
	return nil
}

func initialization(entry statecache.Entry, seq int64) (events.Event, error) {
	return events.Event{
		Kind: events.KindInitialization,
		Key:  entry.Key,
		Seq:  seq,
		Time: entry.LatestTime,
	}.WithPayload(events.Initialization{
		StrategyDefinitions: entry.StrategyDefinitions,
		LearnerState:        entry.LearnerState,
		ProcessedStrategies: entry.ProcessedStrategies,
		ProcessedBookmarks:  entry.ProcessedBookmarks,
		LatestTime:          entry.LatestTime,
	})
}

// DeregisterLive stops the observer watching key.
func (e *Engine) DeregisterLive(ctx context.Context, id string, key events.SessionKey) error {
	return e.reg.DeregisterLive(id, key)
}

// CacheProcessedStrategy records strategies an operator handled so that
// observers attaching later see them. Unknown sessions are reported as
// *errdefs.NotFoundError.
func (e *Engine) CacheProcessedStrategy(key events.SessionKey, items ...events.ProcessedStrategy) error {
	if !e.cache.CacheProcessedStrategy(key, items...) {
		return &errdefs.NotFoundError{Type: "session", Name: key.String()}
	}
	return nil
}

// CacheProcessedBookmark records operator bookmarks.
func (e *Engine) CacheProcessedBookmark(key events.SessionKey, items ...events.ProcessedBookmark) error {
	if !e.cache.CacheProcessedBookmark(key, items...) {
		return &errdefs.NotFoundError{Type: "session", Name: key.String()}
	}
	return nil
}

// SessionState returns the cached state of a session.
func (e *Engine) SessionState(key events.SessionKey) (statecache.Entry, error) {
	return e.cache.Lookup(key)
}
