// Package registry tracks what each connected observer is watching: at most
// one live session or one replay, never both.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
)

// Observer receives events for the session it watches.
type Observer interface {
	ID() string
	Deliver(ctx context.Context, ev events.Event) error
}

// Handle is a running replay owned by an observer.
type Handle interface {
	// Key is the playback-tagged key the replay emits under.
	Key() events.SessionKey
	// Terminate stops the replay for good.
	Terminate()
}

// ReleaseFunc is called after an observer stops watching key, outside the
// registry lock but still under the observer's own lock.
type ReleaseFunc func(observerID string, key events.SessionKey, playback bool)

// Subscription is an immutable view of one observer's registration.
type Subscription struct {
	ObserverID  string
	Observer    Observer
	Live        events.SessionKey
	HasLive     bool
	Playback    events.SessionKey
	HasPlayback bool
	Auto        bool
}

// Watching reports whether the subscription follows key, live or replayed.
func (s Subscription) Watching(key events.SessionKey) bool {
	return (s.HasLive && s.Live == key) || (s.HasPlayback && s.Playback == key)
}

type subscription[H Handle] struct {
	// op serializes every operation on this observer.
	op sync.Mutex

	// The fields below are guarded by Registry.mu.
	observer    Observer
	live        events.SessionKey
	hasLive     bool
	playback    H
	hasPlayback bool
	auto        bool
	removed     bool
}

// Registry is safe for concurrent use. H is the concrete replay handle type.
type Registry[H Handle] struct {
	mu        sync.RWMutex
	subs      map[string]*subscription[H]
	onRelease ReleaseFunc
	log       *slog.Logger
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	onRelease ReleaseFunc
	log       *slog.Logger
}

// WithReleaseFunc installs the teardown hook.
func WithReleaseFunc(fn ReleaseFunc) Option {
	return func(o *options) { o.onRelease = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates an empty registry.
func New[H Handle](opts ...Option) *Registry[H] {
	o := options{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[H]{
		subs:      make(map[string]*subscription[H]),
		onRelease: o.onRelease,
		log:       o.log,
	}
}

// Add registers a connected observer.
func (r *Registry[H]) Add(obs Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[obs.ID()]; ok {
		return &errdefs.ConflictError{Observer: obs.ID(), Reason: "already connected"}
	}
	r.subs[obs.ID()] = &subscription[H]{observer: obs}
	return nil
}

// Remove tears down whatever the observer watches and forgets it.
func (r *Registry[H]) Remove(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	if r.isRemoved(s) {
		return nil
	}

	r.teardown(id, s)

	r.mu.Lock()
	s.removed = true
	delete(r.subs, id)
	r.mu.Unlock()
	return nil
}

func (r *Registry[H]) lookup(id string) (*subscription[H], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, &errdefs.NotFoundError{Type: "observer", Name: id}
	}
	return s, nil
}

func (r *Registry[H]) isRemoved(s *subscription[H]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.removed
}

// locked runs fn with the observer's operation lock held.
func (r *Registry[H]) locked(id string, fn func(s *subscription[H]) error) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	if r.isRemoved(s) {
		return &errdefs.NotFoundError{Type: "observer", Name: id}
	}
	return fn(s)
}

// teardown clears the current target. The caller holds s.op.
func (r *Registry[H]) teardown(id string, s *subscription[H]) {
	r.mu.Lock()
	live, hasLive := s.live, s.hasLive
	pb, hasPlayback := s.playback, s.hasPlayback
	var zero H
	s.live, s.hasLive = events.SessionKey{}, false
	s.playback, s.hasPlayback = zero, false
	r.mu.Unlock()

	if hasLive {
		r.log.Debug("registry.live.release", slog.String("observer", id), slog.Any("key", live))
		r.released(id, live, false)
	}
	if hasPlayback {
		key := pb.Key()
		pb.Terminate()
		r.log.Debug("registry.playback.release", slog.String("observer", id), slog.Any("key", key))
		r.released(id, key, true)
	}
}

func (r *Registry[H]) released(id string, key events.SessionKey, playback bool) {
	if r.onRelease != nil {
		r.onRelease(id, key, playback)
	}
}

// RegisterLive makes the observer watch key, tearing down its previous target.
// Registering the key it already watches is a no-op.
func (r *Registry[H]) RegisterLive(id string, key events.SessionKey) error {
	return r.locked(id, func(s *subscription[H]) error {
		r.mu.RLock()
		same := s.hasLive && s.live == key
		r.mu.RUnlock()
		if same {
			return nil
		}

		r.teardown(id, s)

		r.mu.Lock()
		s.live, s.hasLive = key, true
		r.mu.Unlock()
		return nil
	})
}

// DeregisterLive stops the observer watching key. Releasing a key while the
// observer watches a different one is a conflict.
func (r *Registry[H]) DeregisterLive(id string, key events.SessionKey) error {
	return r.locked(id, func(s *subscription[H]) error {
		r.mu.Lock()
		if !s.hasLive {
			r.mu.Unlock()
			return nil
		}
		if s.live != key {
			current := s.live
			r.mu.Unlock()
			return &errdefs.ConflictError{Observer: id, Reason: "watching " + current.String() + ", not " + key.String()}
		}
		s.live, s.hasLive = events.SessionKey{}, false
		r.mu.Unlock()

		r.released(id, key, false)
		return nil
	})
}

// RegisterPlayback tears down the observer's previous target and installs the
// replay built by open. open runs under the observer's lock; if it fails the
// observer is left watching nothing.
func (r *Registry[H]) RegisterPlayback(id string, open func() (H, error)) (H, error) {
	var h H
	err := r.locked(id, func(s *subscription[H]) error {
		r.teardown(id, s)

		var err error
		h, err = open()
		if err != nil {
			return err
		}

		r.mu.Lock()
		s.playback, s.hasPlayback = h, true
		r.mu.Unlock()
		return nil
	})
	return h, err
}

// DeregisterPlayback terminates the observer's replay, if any.
func (r *Registry[H]) DeregisterPlayback(id string) error {
	return r.locked(id, func(s *subscription[H]) error {
		r.mu.RLock()
		has := s.hasPlayback
		r.mu.RUnlock()
		if has {
			r.teardown(id, s)
		}
		return nil
	})
}

// WithPlayback runs fn on the observer's replay while holding the observer's
// lock, so it cannot race with registration changes.
func (r *Registry[H]) WithPlayback(id string, fn func(h H) error) error {
	return r.locked(id, func(s *subscription[H]) error {
		r.mu.RLock()
		h, ok := s.playback, s.hasPlayback
		r.mu.RUnlock()
		if !ok {
			return &errdefs.NotFoundError{Type: "playback", Name: id}
		}
		return fn(h)
	})
}

// IsWatching reports whether the observer follows key.
func (r *Registry[H]) IsWatching(id string, key events.SessionKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return false
	}
	return s.view(id).Watching(key)
}

// SetAuto sets whether the observer lets strategies be approved automatically.
func (r *Registry[H]) SetAuto(id string, auto bool) error {
	return r.locked(id, func(s *subscription[H]) error {
		r.mu.Lock()
		s.auto = auto
		r.mu.Unlock()
		return nil
	})
}

// Get returns the observer's subscription.
func (r *Registry[H]) Get(id string) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return Subscription{}, &errdefs.NotFoundError{Type: "observer", Name: id}
	}
	return s.view(id), nil
}

// Snapshot returns every subscription ordered by observer id.
func (r *Registry[H]) Snapshot() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.subs))
	for id, s := range r.subs {
		out = append(out, s.view(id))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ObserverID < out[j].ObserverID })
	return out
}

// Watchers returns the subscriptions following key.
func (r *Registry[H]) Watchers(key events.SessionKey) []Subscription {
	var out []Subscription
	for _, s := range r.Snapshot() {
		if s.Watching(key) {
			out = append(out, s)
		}
	}
	return out
}

// ReleaseKey stops every observer watching key live. Used when the session's
// producer is gone.
func (r *Registry[H]) ReleaseKey(key events.SessionKey) {
	for _, sub := range r.Watchers(key) {
		if !sub.HasLive {
			continue
		}
		// A concurrent re-registration may have moved the observer on; that
		// surfaces as a conflict and is fine to ignore.
		_ = r.DeregisterLive(sub.ObserverID, key)
	}
}

func (s *subscription[H]) view(id string) Subscription {
	v := Subscription{
		ObserverID:  id,
		Observer:    s.observer,
		Live:        s.live,
		HasLive:     s.hasLive,
		HasPlayback: s.hasPlayback,
		Auto:        s.auto,
	}
	if s.hasPlayback {
		v.Playback = s.playback.Key()
	}
	return v
}
