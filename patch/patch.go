// Package patch keeps operator corrections to recorded session logs. The
// recorded events are never modified; patches are kept beside them and laid
// over the events whenever they are replayed.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/storage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Entry is one correction: the value of AttributeID in the event at
// Timestamp. AttributeID is a dotted path into the event payload.
//
// A derived entry has no recorded event at Timestamp; replay synthesizes one
// from the latest earlier event that carries the attribute. Requested is the
// timestamp the edit asked for, which differs from Timestamp when that time
// was already taken.
type Entry struct {
	LogID       string
	Timestamp   int64
	Requested   int64
	AttributeID string
	Old         json.RawMessage
	New         json.RawMessage
	Author      string
	EditedAt    time.Time
	Derived     bool
	Kind        events.Kind
}

// ErrInvalidValue is returned when a patch value is not valid JSON.
var ErrInvalidValue = errors.New("patch value is not valid JSON")

// Patchable reports whether events of kind k carry assessments that can be
// corrected.
func Patchable(k events.Kind) bool {
	return k == events.KindLearnerState || k == events.KindScoreSubmitted
}

type entryKey struct {
	ts   int64
	attr string
}

type logPatches struct {
	base     []events.Event
	byTime   map[int64][]int
	entries  map[entryKey]*Entry
	occupied map[int64]struct{}
	file     string
	// disk is the patch file content last read or written by this store.
	disk []byte
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	dir   string
	index storage.Storage
	logs  map[string]*logPatches
	step  int64
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIndex records each log's patch file name in s.
func WithIndex(s storage.Storage) Option {
	return func(st *Store) { st.index = s }
}

// WithProbeStep sets the increment, in milliseconds, used to move a derived
// event off an occupied timestamp.
func WithProbeStep(ms int64) Option {
	return func(st *Store) {
		if ms > 0 {
			st.step = ms
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.log = l }
}

// New creates a store keeping patch files in dir.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:  dir,
		logs: make(map[string]*logPatches),
		step: 1,
		now:  time.Now,
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) loaded(logID string) (*logPatches, error) {
	lp, ok := s.logs[logID]
	if !ok {
		return nil, &errdefs.NotFoundError{Type: "log", Name: logID}
	}
	return lp, nil
}

func newLogPatches(base []events.Event) *logPatches {
	lp := &logPatches{
		base:     base,
		byTime:   make(map[int64][]int),
		entries:  make(map[entryKey]*Entry),
		occupied: make(map[int64]struct{}),
	}
	for i, ev := range base {
		if !Patchable(ev.Kind) {
			continue
		}
		lp.byTime[ev.Time] = append(lp.byTime[ev.Time], i)
		lp.occupied[ev.Time] = struct{}{}
	}
	return lp
}

// recorded returns the recorded patchable event at ts carrying attr.
func (lp *logPatches) recorded(ts int64, attr string) (events.Event, bool) {
	for _, i := range lp.byTime[ts] {
		if gjson.GetBytes(lp.base[i].Payload, attr).Exists() {
			return lp.base[i], true
		}
	}
	return events.Event{}, false
}

// before returns the latest recorded patchable event strictly before ts
// carrying attr.
func (lp *logPatches) before(ts int64, attr string) (events.Event, bool) {
	var found events.Event
	ok := false
	for _, ev := range lp.base {
		if !Patchable(ev.Kind) || ev.Time >= ts {
			continue
		}
		if !gjson.GetBytes(ev.Payload, attr).Exists() {
			continue
		}
		if !ok || ev.Time >= found.Time {
			found, ok = ev, true
		}
	}
	return found, ok
}

// derivedFrom returns the derived entry for attr created by an edit at ts.
func (lp *logPatches) derivedFrom(ts int64, attr string) (*Entry, bool) {
	for _, e := range lp.entries {
		if e.Derived && e.AttributeID == attr && e.Requested == ts {
			return e, true
		}
	}
	return nil, false
}

func (lp *logPatches) derivedAt(ts int64) (*Entry, bool) {
	for k, e := range lp.entries {
		if k.ts == ts && e.Derived {
			return e, true
		}
	}
	return nil, false
}

// probe returns the first free timestamp at or after ts and claims it.
func (s *Store) probe(logID string, lp *logPatches, ts int64) int64 {
	t := ts
	for {
		if _, taken := lp.occupied[t]; !taken {
			lp.occupied[t] = struct{}{}
			break
		}
		t += s.step
	}
	if t != ts {
		s.log.Warn("patch.timestamp.collision",
			slog.String("log", logID),
			slog.Int64("requested", ts),
			slog.Int64("resolved", t))
	}
	return t
}

// ApplyPatch sets attr of the event at ts to value and returns the resulting
// entry. When no recorded event at ts carries attr, a derived event is
// created at the first free timestamp from ts on.
func (s *Store) ApplyPatch(logID string, ts int64, attr string, value json.RawMessage, author string) (Entry, error) {
	if attr == "" {
		return Entry{}, &errdefs.NotFoundError{Type: "attribute", Name: attr}
	}
	if !json.Valid(value) {
		return Entry{}, fmt.Errorf("patch %s: %w", attr, ErrInvalidValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lp, err := s.loaded(logID)
	if err != nil {
		return Entry{}, err
	}

	value = append(json.RawMessage(nil), value...)
	k := entryKey{ts, attr}
	e, ok := lp.entries[k]
	if !ok {
		// A repeated edit of a shifted derived event updates it in place.
		e, ok = lp.derivedFrom(ts, attr)
	}
	if ok {
		e.New = value
		e.Author = author
		e.EditedAt = s.now().UTC()
		return *e, nil
	}

	e = &Entry{LogID: logID, Requested: ts, AttributeID: attr, New: value, Author: author, EditedAt: s.now().UTC()}

	if ev, ok := lp.recorded(ts, attr); ok {
		e.Timestamp = ts
		e.Kind = ev.Kind
		e.Old = json.RawMessage(gjson.GetBytes(ev.Payload, attr).Raw)
	} else if d, ok := lp.derivedAt(ts); ok {
		base, found := lp.before(ts, attr)
		if !found {
			return Entry{}, &errdefs.NotFoundError{Type: "attribute", Name: attr}
		}
		e.Timestamp = ts
		e.Derived = true
		e.Kind = d.Kind
		e.Old = json.RawMessage(gjson.GetBytes(base.Payload, attr).Raw)
	} else {
		base, found := lp.before(ts, attr)
		if !found {
			return Entry{}, &errdefs.NotFoundError{Type: "attribute", Name: attr}
		}
		e.Timestamp = s.probe(logID, lp, ts)
		e.Derived = true
		e.Kind = base.Kind
		e.Old = json.RawMessage(gjson.GetBytes(base.Payload, attr).Raw)
	}

	lp.entries[entryKey{e.Timestamp, attr}] = e
	s.log.Info("patch.apply",
		slog.String("log", logID),
		slog.Int64("ts", e.Timestamp),
		slog.String("attr", attr),
		slog.Bool("derived", e.Derived))
	return *e, nil
}

// RemovePatch drops the entry, restoring the recorded value.
func (s *Store) RemovePatch(logID string, ts int64, attr string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp, err := s.loaded(logID)
	if err != nil {
		return Entry{}, err
	}
	k := entryKey{ts, attr}
	e, ok := lp.entries[k]
	if !ok {
		return Entry{}, &errdefs.NotFoundError{Type: "patch", Name: attr}
	}
	delete(lp.entries, k)

	if e.Derived {
		if _, still := lp.derivedAt(ts); !still {
			if _, rec := lp.byTime[ts]; !rec {
				delete(lp.occupied, ts)
			}
		}
	}
	return *e, nil
}

// EffectiveValue is the patched value of attr at ts, or the recorded one.
func (s *Store) EffectiveValue(logID string, ts int64, attr string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lp, err := s.loaded(logID)
	if err != nil {
		return nil, err
	}
	if e, ok := lp.entries[entryKey{ts, attr}]; ok {
		return append(json.RawMessage(nil), e.New...), nil
	}
	if ev, ok := lp.recorded(ts, attr); ok {
		return json.RawMessage(gjson.GetBytes(ev.Payload, attr).Raw), nil
	}
	return nil, &errdefs.NotFoundError{Type: "attribute", Name: attr}
}

// Entries returns the log's entries ordered by timestamp then attribute.
func (s *Store) Entries(logID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	lp, ok := s.logs[logID]
	if !ok {
		return nil
	}
	return lp.sorted()
}

func (lp *logPatches) sorted() []Entry {
	out := make([]Entry, 0, len(lp.entries))
	for _, e := range lp.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].AttributeID < out[j].AttributeID
	})
	return out
}

// Overlay returns evs with the log's patches applied and derived events
// merged in time order. evs is not modified. Logs without patches are
// returned as is.
func (s *Store) Overlay(logID string, evs []events.Event) []events.Event {
	s.mu.Lock()
	lp, ok := s.logs[logID]
	var entries []Entry
	if ok {
		entries = lp.sorted()
	}
	s.mu.Unlock()
	if len(entries) == 0 {
		return evs
	}

	direct := make(map[int64][]Entry)
	derived := make(map[int64][]Entry)
	for _, e := range entries {
		if e.Derived {
			derived[e.Timestamp] = append(derived[e.Timestamp], e)
		} else {
			direct[e.Timestamp] = append(direct[e.Timestamp], e)
		}
	}

	out := make([]events.Event, 0, len(evs)+len(derived))
	for _, ev := range evs {
		if es, ok := direct[ev.Time]; ok && Patchable(ev.Kind) {
			ev = s.apply(ev, es)
		}
		out = append(out, ev)
	}

	// Ascending order lets a later derived event inherit earlier corrections.
	stamps := make([]int64, 0, len(derived))
	for ts := range derived {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	for _, ts := range stamps {
		es := derived[ts]
		base, ok := latestWith(out, ts, es[0].AttributeID)
		if !ok {
			continue
		}
		base.Time = ts
		out = append(out, s.apply(base, es))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func latestWith(evs []events.Event, ts int64, attr string) (events.Event, bool) {
	var found events.Event
	ok := false
	for _, ev := range evs {
		if ev.Time >= ts || !Patchable(ev.Kind) {
			continue
		}
		if !gjson.GetBytes(ev.Payload, attr).Exists() {
			continue
		}
		if !ok || ev.Time >= found.Time {
			found, ok = ev, true
		}
	}
	return found, ok
}

func (s *Store) apply(ev events.Event, es []Entry) events.Event {
	ev = ev.Clone()
	for _, e := range es {
		if !e.Derived && !gjson.GetBytes(ev.Payload, e.AttributeID).Exists() {
			continue
		}
		payload, err := sjson.SetRawBytes(ev.Payload, e.AttributeID, e.New)
		if err != nil {
			s.log.Warn("patch.overlay.set", slog.String("attr", e.AttributeID), slog.String("err", err.Error()))
			continue
		}
		ev.Payload = payload
	}
	return ev
}
