// Package logstore describes recorded session logs and where they come from.
package logstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
)

// Metadata describes a recorded log. Start and End bound its timeline in
// unix milliseconds.
type Metadata struct {
	ID      string            `json:"id"`
	UserID  string            `json:"userId"`
	Session events.SessionKey `json:"session"`
	Start   int64             `json:"start"`
	End     int64             `json:"end"`
	// Kinds restricts which recorded kinds are replayed. Empty means every
	// routable kind.
	Kinds []events.Kind `json:"kinds,omitempty"`
}

// Filter returns the predicate selecting the events a replay emits.
func (m Metadata) Filter() func(events.Event) bool {
	kinds := slices.Clone(m.Kinds)
	return func(ev events.Event) bool {
		if !events.Routable(ev.Kind) {
			return false
		}
		return len(kinds) == 0 || slices.Contains(kinds, ev.Kind)
	}
}

// Log is a loaded recording. Events must not be modified.
type Log struct {
	Meta   Metadata
	Events []events.Event
}

// Store lists and loads recorded logs.
type Store interface {
	ListLogs(ctx context.Context, userID string) ([]Metadata, error)
	LoadLog(ctx context.Context, logID string) (*Log, error)
}

// Bounds fills in Start and End from the events when they are unset.
func (l *Log) Bounds() {
	if len(l.Events) == 0 {
		return
	}
	lo, hi := l.Events[0].Time, l.Events[0].Time
	for _, ev := range l.Events[1:] {
		lo = min(lo, ev.Time)
		hi = max(hi, ev.Time)
	}
	if l.Meta.Start == 0 {
		l.Meta.Start = lo
	}
	if l.Meta.End == 0 {
		l.Meta.End = hi
	}
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	logs map[string]*Log
}

// NewMemory creates a store holding logs.
func NewMemory(logs ...*Log) *Memory {
	m := &Memory{logs: make(map[string]*Log)}
	for _, l := range logs {
		m.Add(l)
	}
	return m
}

// Add stores l, replacing any log with the same id.
func (m *Memory) Add(l *Log) {
	l.Bounds()
	m.mu.Lock()
	m.logs[l.Meta.ID] = l
	m.mu.Unlock()
}

// ListLogs implements Store. An empty userID lists every log.
func (m *Memory) ListLogs(ctx context.Context, userID string) ([]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Metadata
	for _, l := range m.logs {
		if userID == "" || l.Meta.UserID == userID {
			out = append(out, l.Meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadLog implements Store.
func (m *Memory) LoadLog(ctx context.Context, logID string) (*Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[logID]
	if !ok {
		return nil, &errdefs.NotFoundError{Type: "log", Name: logID}
	}
	return l, nil
}

var _ Store = (*Memory)(nil)
