// Package statecache keeps the per-session state the relay needs to bring a
// newly attached observer up to date, and deduplicates incoming events.
package statecache

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultWindow is the number of sequence numbers remembered per live session.
const DefaultWindow = 4096

// Entry is a snapshot of one session's cached state.
type Entry struct {
	Key                 events.SessionKey
	StrategyDefinitions json.RawMessage
	LearnerState        json.RawMessage
	ProcessedStrategies []events.ProcessedStrategy
	ProcessedBookmarks  []events.ProcessedBookmark
	LatestTime          int64
	Attached            bool
	Producer            string
}

type entry struct {
	Entry
	seen *lru.Cache[int64, struct{}]
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[events.SessionKey]*entry
	window  int
	log     *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithWindow sets how many sequence numbers are remembered per live session.
func WithWindow(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[events.SessionKey]*entry),
		window:  DefaultWindow,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process folds ev into the session's entry, creating it if needed. It
// returns true when ev was already processed, in which case nothing changes.
//
// Only the last window sequence numbers of a live session are remembered
// (see WithWindow), so an event redelivered after more than that many newer
// ones is processed again.
//
// Replayed sessions are not deduplicated: seeking re-emits earlier events on
// purpose. Instead, processed strategies stamped after ev are discarded so a
// backwards seek does not show decisions from the future.
func (c *Cache) Process(ev events.Event) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(ev.Key)

	switch {
	case ev.Key.IsPlayback():
		c.pruneLocked(e, ev.Time)
	case ev.Kind == events.KindProducerLost:
		// Synthesized by the relay; its seq is not the producer's.
	case e.seen.Contains(ev.Seq):
		return true
	default:
		e.seen.Add(ev.Seq, struct{}{})
	}

	if ev.Source != "" {
		e.Producer = ev.Source
	}
	if ev.Time > e.LatestTime {
		e.LatestTime = ev.Time
	}

	switch ev.Kind {
	case events.KindStrategyDefinitions:
		e.StrategyDefinitions = append(json.RawMessage(nil), ev.Payload...)
	case events.KindLearnerState:
		e.LearnerState = append(json.RawMessage(nil), ev.Payload...)
	case events.KindStrategyApplied:
		var approval events.StrategyApproval
		if err := ev.Decode(&approval); err != nil {
			c.log.Warn("statecache.process.decode_approval", slog.String("err", err.Error()))
			break
		}
		for _, s := range approval.Strategies {
			e.ProcessedStrategies = append(e.ProcessedStrategies, events.ProcessedStrategy{
				Name:          s.Name,
				TimePerformed: ev.Time,
				Approved:      true,
				Evaluator:     approval.AppliedBy,
			})
		}
	}
	return false
}

func (c *Cache) entryLocked(key events.SessionKey) *entry {
	e, ok := c.entries[key]
	if !ok {
		// lru.New only fails for a non-positive size, which WithWindow rejects.
		seen, _ := lru.New[int64, struct{}](c.window)
		e = &entry{Entry: Entry{Key: key}, seen: seen}
		c.entries[key] = e
	}
	return e
}

func (c *Cache) pruneLocked(e *entry, t int64) {
	kept := e.ProcessedStrategies[:0]
	for _, s := range e.ProcessedStrategies {
		if s.TimePerformed <= t {
			kept = append(kept, s)
		}
	}
	e.ProcessedStrategies = kept
}

// Get returns a copy of the entry for key.
func (c *Cache) Get(key events.SessionKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Lookup is Get returning a *errdefs.NotFoundError for a missing session.
func (c *Cache) Lookup(key events.SessionKey) (Entry, error) {
	e, ok := c.Get(key)
	if !ok {
		return Entry{}, &errdefs.NotFoundError{Type: "session", Name: key.String()}
	}
	return e, nil
}

func (e *entry) snapshot() Entry {
	out := e.Entry
	out.StrategyDefinitions = append(json.RawMessage(nil), e.StrategyDefinitions...)
	out.LearnerState = append(json.RawMessage(nil), e.LearnerState...)
	out.ProcessedStrategies = append([]events.ProcessedStrategy(nil), e.ProcessedStrategies...)
	out.ProcessedBookmarks = append([]events.ProcessedBookmark(nil), e.ProcessedBookmarks...)
	return out
}

// Drop forgets the session. A later event for key starts a fresh entry.
func (c *Cache) Drop(key events.SessionKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// CacheProcessedStrategy records strategies an operator handled. It reports
// false when the session is not cached.
func (c *Cache) CacheProcessedStrategy(key events.SessionKey, items ...events.ProcessedStrategy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.ProcessedStrategies = append(e.ProcessedStrategies, items...)
	return true
}

// CacheProcessedBookmark records bookmarks. It reports false when the session
// is not cached.
func (c *Cache) CacheProcessedBookmark(key events.SessionKey, items ...events.ProcessedBookmark) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.ProcessedBookmarks = append(e.ProcessedBookmarks, items...)
	sort.SliceStable(e.ProcessedBookmarks, func(i, j int) bool {
		return e.ProcessedBookmarks[i].Time < e.ProcessedBookmarks[j].Time
	})
	return true
}

// SetAttached marks whether any observer is watching the session.
func (c *Cache) SetAttached(key events.SessionKey, attached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.Attached = attached
	}
}

// KeysForProducer lists the cached sessions last fed by addr.
func (c *Cache) KeysForProducer(addr string) []events.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []events.SessionKey
	for k, e := range c.entries {
		if e.Producer == addr {
			keys = append(keys, k)
		}
	}
	return keys
}

// Keys lists every cached session.
func (c *Cache) Keys() []events.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]events.SessionKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len is the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
