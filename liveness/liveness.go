// Package liveness tracks producer heartbeats and reports producers that
// went silent so their sessions can be ended.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-relay/events"
)

// State of a producer.
type State int

const (
	Unknown State = iota
	Alive
	PendingRemoval
	Removed
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case PendingRemoval:
		return "pending_removal"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

const (
	DefaultTimeout = 10 * time.Second
	DefaultGrace   = 5 * time.Second
)

// LostFunc is called, without any monitor lock held, when a producer is
// removed. keys are the sessions attributed to it.
type LostFunc func(addr string, keys []events.SessionKey)

type producer struct {
	state    State
	lastSeen time.Time
	keys     map[events.SessionKey]struct{}
	timer    *time.Timer
	// gen invalidates a removal timer that fired concurrently with a heartbeat.
	gen uint64
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	producers map[string]*producer

	onLost  LostFunc
	timeout time.Duration
	grace   time.Duration
	every   time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout sets how long a producer may stay silent before removal is scheduled.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithGrace sets the delay between scheduling and performing a removal.
func WithGrace(d time.Duration) Option {
	return func(m *Monitor) { m.grace = d }
}

// WithSweepInterval sets how often Run checks for silent producers.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) { m.every = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New creates a monitor reporting removals to onLost.
func New(onLost LostFunc, opts ...Option) *Monitor {
	m := &Monitor{
		producers: make(map[string]*producer),
		onLost:    onLost,
		timeout:   DefaultTimeout,
		grace:     DefaultGrace,
		now:       time.Now,
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.every <= 0 {
		m.every = m.timeout / 4
		if m.every <= 0 {
			m.every = time.Second
		}
	}
	return m
}

// Heartbeat records a sign of life from addr. A pending removal is cancelled.
func (m *Monitor) Heartbeat(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(addr)
}

func (m *Monitor) touchLocked(addr string) *producer {
	p, ok := m.producers[addr]
	if !ok {
		p = &producer{keys: make(map[events.SessionKey]struct{})}
		m.producers[addr] = p
	}
	if p.state == PendingRemoval {
		p.timer.Stop()
		p.timer = nil
		p.gen++
		m.log.Info("liveness.removal.cancelled", slog.String("producer", addr))
	}
	if p.state != Alive {
		m.log.Debug("liveness.alive", slog.String("producer", addr))
	}
	p.state = Alive
	p.lastSeen = m.now()
	return p
}

// Attribute records that key is fed by addr. It counts as a sign of life.
func (m *Monitor) Attribute(addr string, key events.SessionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.touchLocked(addr)
	p.keys[key] = struct{}{}
}

// Detach forgets that key is fed by addr.
func (m *Monitor) Detach(addr string, key events.SessionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.producers[addr]; ok {
		delete(p.keys, key)
	}
}

// State returns the producer's current state.
func (m *Monitor) State(addr string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.producers[addr]; ok {
		return p.state
	}
	return Unknown
}

// Sweep schedules removal of every producer silent since before now-timeout.
func (m *Monitor) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, p := range m.producers {
		if p.state != Alive || now.Sub(p.lastSeen) < m.timeout {
			continue
		}
		p.state = PendingRemoval
		gen := p.gen
		addr := addr
		p.timer = time.AfterFunc(m.grace, func() { m.remove(addr, gen) })
		m.log.Warn("liveness.removal.scheduled",
			slog.String("producer", addr),
			slog.Duration("silent", now.Sub(p.lastSeen)),
			slog.Duration("grace", m.grace))
	}
}

func (m *Monitor) remove(addr string, gen uint64) {
	m.mu.Lock()
	p, ok := m.producers[addr]
	if !ok || p.state != PendingRemoval || p.gen != gen {
		m.mu.Unlock()
		return
	}
	p.state = Removed
	p.timer = nil
	keys := make([]events.SessionKey, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	p.keys = make(map[events.SessionKey]struct{})
	m.mu.Unlock()

	m.log.Warn("liveness.removed", slog.String("producer", addr), slog.Int("sessions", len(keys)))
	if m.onLost != nil {
		m.onLost(addr, keys)
	}
}

// Run sweeps periodically until ctx is done, then cancels pending removals.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopTimers()
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

func (m *Monitor) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.producers {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
			p.gen++
			p.state = Alive
		}
	}
}
