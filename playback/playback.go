// Package playback replays a recorded session log to a single observer at
// real-time pace.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/logstore"
)

// ErrTerminated is returned by every control operation once the service has
// been terminated.
var ErrTerminated = errors.New("playback terminated")

// State is the position of a Service in its lifecycle.
type State int

const (
	Stopped State = iota
	Seeking
	Playing
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Seeking:
		return "seeking"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// EmitFunc receives replayed events. It is never called concurrently for the
// same Service.
type EmitFunc func(ctx context.Context, ev events.Event)

// Overlay rewrites a recorded timeline, for example to apply corrections.
type Overlay interface {
	Overlay(logID string, evs []events.Event) []events.Event
}

// fastForward lists the kinds re-emitted while seeking so the observer ends
// up with the strategy history of the new position.
var fastForward = map[events.Kind]bool{
	events.KindStrategyRequested: true,
	events.KindStrategyApplied:   true,
}

// Service replays one log. Control operations are serialized.
type Service struct {
	owner         string
	meta          logstore.Metadata
	base          []events.Event
	emit          EmitFunc
	overlay       Overlay
	keepAlive     time.Duration
	entityTimeout time.Duration
	log           *slog.Logger

	ctl  sync.Mutex
	emMu sync.Mutex

	mu       sync.Mutex
	timeline []events.Event
	next     int
	cursor   int64
	// atCursor counts the events at the cursor time that were already emitted.
	atCursor  int
	state     State
	remaining time.Duration
	deadline  time.Time

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	kaCancel   context.CancelFunc
	kaDone     chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithOverlay passes the timeline through o before emission.
func WithOverlay(o Overlay) Option {
	return func(s *Service) { s.overlay = o }
}

// WithKeepAlive sets how often entity states are re-emitted while paused.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithEntityTimeout bounds how far back a seek looks for entity states.
func WithEntityTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.entityTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates a stopped Service replaying evs for owner. Events rejected by
// meta.Filter are dropped; the rest are ordered by time. evs is not modified.
func New(owner string, meta logstore.Metadata, evs []events.Event, emit EmitFunc, opts ...Option) *Service {
	keep := meta.Filter()
	base := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		if keep(ev) {
			base = append(base, ev)
		}
	}
	sort.SliceStable(base, func(i, j int) bool { return base[i].Time < base[j].Time })

	s := &Service{
		owner:         owner,
		meta:          meta,
		base:          base,
		emit:          emit,
		keepAlive:     time.Second,
		entityTimeout: 30 * time.Second,
		log:           slog.New(slog.DiscardHandler),
		cursor:        meta.Start,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("log", meta.ID), slog.String("owner", owner))
	s.timeline = s.build()
	return s
}

func (s *Service) build() []events.Event {
	if s.overlay == nil {
		return s.base
	}
	return s.overlay.Overlay(s.meta.ID, s.base)
}

// Key is the session key carried by every emitted event.
func (s *Service) Key() events.SessionKey { return s.meta.Session.WithPlayback(s.owner) }

// Meta describes the replayed log.
func (s *Service) Meta() logstore.Metadata { return s.meta }

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor is the log time, in unix milliseconds, of the play head.
func (s *Service) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// LearnerStates returns the learner states of the log, corrections included.
func (s *Service) LearnerStates() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.timeline {
		if ev.Kind == events.KindLearnerState {
			out = append(out, ev.Clone())
		}
	}
	return out
}

func (s *Service) send(ctx context.Context, ev events.Event) {
	s.emMu.Lock()
	defer s.emMu.Unlock()
	ev = ev.WithPlayback(s.owner)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("playback.emit.panic", slog.String("kind", string(ev.Kind)), slog.Any("panic", r))
		}
	}()
	s.emit(ctx, ev)
}

func retime(ev events.Event, t int64) events.Event {
	ev.Time = t
	return ev
}

// Seek moves the play head to t. Strategy requests and approvals before t are
// re-emitted, followed by the learner state and entity states current at t.
// A playing service keeps playing from t.
func (s *Service) Seek(ctx context.Context, t int64) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.seekLocked(ctx, t, false)
}

func (s *Service) seekLocked(ctx context.Context, t int64, play bool) error {
	if s.State() == Terminated {
		return ErrTerminated
	}
	if t < s.meta.Start || t > s.meta.End {
		return &errdefs.OutOfRangeError{Time: t, Start: s.meta.Start, End: s.meta.End}
	}

	s.stopLoop()
	s.stopKeepAlive()

	s.mu.Lock()
	wasPlaying := s.state == Playing
	s.state = Seeking
	tl := s.timeline
	next := sort.Search(len(tl), func(i int) bool { return tl[i].Time >= t })
	s.mu.Unlock()

	s.log.Debug("playback.seek", slog.Int64("t", t))

	var learner *events.Event
	for i := 0; i < next; i++ {
		ev := tl[i]
		if fastForward[ev.Kind] {
			s.send(ctx, ev)
		}
		if ev.Kind == events.KindLearnerState {
			learner = &tl[i]
		}
	}
	if learner != nil {
		s.send(ctx, retime(*learner, t))
	} else {
		s.send(ctx, events.Event{
			Kind:    events.KindLearnerState,
			Key:     s.meta.Session,
			Time:    t,
			Payload: json.RawMessage(`{}`),
		})
	}
	for _, ev := range s.latestEntities(tl[:next], t) {
		s.send(ctx, ev)
	}

	s.mu.Lock()
	s.next = next
	s.cursor = t
	s.atCursor = 0
	s.remaining = 0
	if next < len(tl) {
		s.remaining = time.Duration(tl[next].Time-t) * time.Millisecond
	}
	if wasPlaying || play {
		s.startLoopLocked()
	} else {
		s.state = Paused
		s.startKeepAliveLocked()
	}
	s.mu.Unlock()
	return nil
}

// latestEntities returns the last state of every entity seen within the
// entity timeout before t, retimed to t.
func (s *Service) latestEntities(evs []events.Event, t int64) []events.Event {
	window := s.entityTimeout.Milliseconds()
	seen := make(map[string]bool)
	var out []events.Event
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if t-ev.Time > window {
			break
		}
		if ev.Kind != events.KindEntityState {
			continue
		}
		var es events.EntityState
		if err := ev.Decode(&es); err != nil || es.EntityID == "" {
			continue
		}
		if seen[es.EntityID] {
			continue
		}
		seen[es.EntityID] = true
		out = append(out, retime(ev, t))
	}
	// Oldest first so observers see them in log order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Play starts or resumes playback. A stopped service first seeks to the
// start of the log; a paused one re-emits entity states before continuing.
func (s *Service) Play(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	switch s.State() {
	case Terminated:
		return ErrTerminated
	case Playing:
		return nil
	case Stopped:
		return s.seekLocked(ctx, s.meta.Start, true)
	}

	s.stopKeepAlive()

	s.mu.Lock()
	tl, next, cursor := s.timeline, s.next, s.cursor
	s.mu.Unlock()
	for _, ev := range s.latestEntities(tl[:next], cursor) {
		s.send(ctx, ev)
	}

	s.mu.Lock()
	s.startLoopLocked()
	s.mu.Unlock()
	s.log.Debug("playback.play", slog.Int64("cursor", cursor))
	return nil
}

// Pause stops playback. No event is emitted by the play loop once Pause
// returns. While paused the latest entity states are periodically re-emitted.
func (s *Service) Pause() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	switch s.State() {
	case Terminated:
		return ErrTerminated
	case Playing:
	default:
		return nil
	}

	s.stopLoop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Playing {
		s.remaining = max(time.Until(s.deadline), 0)
		s.state = Paused
	}
	s.startKeepAliveLocked()
	s.log.Debug("playback.pause", slog.Int64("cursor", s.cursor))
	return nil
}

// Terminate stops the service for good.
func (s *Service) Terminate() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.stopLoop()
	s.stopKeepAlive()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return
	}
	s.state = Terminated
	s.timeline = nil
	s.next = 0
	s.log.Debug("playback.terminate")
}

// Refresh rebuilds the timeline, for example after corrections changed. The
// play head stays at the same log time.
func (s *Service) Refresh() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.State() == Terminated {
		return ErrTerminated
	}

	tl := s.build()

	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.cursor
	next := sort.Search(len(tl), func(i int) bool { return tl[i].Time >= cursor })
	skipped := 0
	for next < len(tl) && tl[next].Time == cursor && skipped < s.atCursor {
		next++
		skipped++
	}
	s.timeline = tl
	s.next = next
	return nil
}

// startLoopLocked starts the play loop with the preserved delay before the
// next event. s.mu must be held.
func (s *Service) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.loopCancel, s.loopDone = cancel, done
	s.state = Playing

	wait := s.remaining
	s.remaining = 0
	anchorWall := time.Now()
	anchorLog := s.cursor
	if s.next < len(s.timeline) {
		anchorLog = s.timeline[s.next].Time - wait.Milliseconds()
	}
	go s.run(ctx, done, anchorWall, anchorLog)
}

// stopLoop cancels the play loop and waits for it to exit. s.mu must not be
// held.
func (s *Service) stopLoop() {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) run(ctx context.Context, done chan struct{}, anchorWall time.Time, anchorLog int64) {
	defer close(done)

	for {
		s.mu.Lock()
		if s.next >= len(s.timeline) {
			if ctx.Err() == nil {
				s.state = Paused
				s.remaining = 0
				s.loopCancel, s.loopDone = nil, nil
				s.startKeepAliveLocked()
				s.log.Debug("playback.end", slog.Int64("cursor", s.cursor))
			}
			s.mu.Unlock()
			return
		}
		due := anchorWall.Add(time.Duration(s.timeline[s.next].Time-anchorLog) * time.Millisecond)
		s.deadline = due
		s.mu.Unlock()

		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		s.mu.Lock()
		if ctx.Err() != nil || s.next >= len(s.timeline) {
			s.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			continue
		}
		ev := s.timeline[s.next]
		s.next++
		if ev.Time == s.cursor {
			s.atCursor++
		} else {
			s.cursor, s.atCursor = ev.Time, 1
		}
		s.mu.Unlock()

		s.send(context.WithoutCancel(ctx), ev)
	}
}

// startKeepAliveLocked starts re-emitting entity states while paused. s.mu
// must be held.
func (s *Service) startKeepAliveLocked() {
	if s.kaCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.kaCancel, s.kaDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s.mu.Lock()
			tl, next, cursor := s.timeline, s.next, s.cursor
			s.mu.Unlock()
			for _, ev := range s.latestEntities(tl[:next], cursor) {
				if ctx.Err() != nil {
					return
				}
				s.send(context.WithoutCancel(ctx), ev)
			}
		}
	}()
}

func (s *Service) stopKeepAlive() {
	s.mu.Lock()
	cancel, done := s.kaCancel, s.kaDone
	s.kaCancel, s.kaDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
