// Package router fans session events out to the observers interested in
// them and answers strategy requests when every watcher allows it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ggoodman/session-relay/arbiter"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/registry"
	"github.com/ggoodman/session-relay/statecache"
)

// Subscriptions is the registry view the router needs.
type Subscriptions interface {
	Snapshot() []registry.Subscription
}

// Emitter sends relay-originated events back toward producers.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev events.Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

// Outcome describes what Route did with an event.
type Outcome struct {
	Ignored   bool
	Duplicate bool
	// Delivered lists the observers the event reached, in id order.
	Delivered []string
	// Failed lists observers whose delivery returned an error or panicked.
	Failed   []string
	Approval *events.Event
	Ended    bool
}

// Router is safe for concurrent use. Events for one session are processed
// one at a time and in arrival order; different sessions proceed in parallel.
type Router struct {
	cache *statecache.Cache
	subs  Subscriptions
	emit  Emitter
	seq   func() int64
	locks keyedMutex
	log   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithEmitter sets where auto-approvals are sent. Without one, requests are
// still decided but nothing is emitted.
func WithEmitter(e Emitter) Option {
	return func(r *Router) { r.emit = e }
}

// WithSequence sets the generator for the seq of relay-originated events.
func WithSequence(next func() int64) Option {
	return func(r *Router) { r.seq = next }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New creates a router over the cache and subscriptions.
func New(cache *statecache.Cache, subs Subscriptions, opts ...Option) *Router {
	var n atomic.Int64
	r := &Router{
		cache: cache,
		subs:  subs,
		seq:   func() int64 { return n.Add(1) },
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route processes one event. Errors from individual observers are isolated
// and reported in the outcome; the returned error is only set when emitting
// an approval failed.
func (r *Router) Route(ctx context.Context, ev events.Event) (Outcome, error) {
	if !events.Routable(ev.Kind) {
		return Outcome{Ignored: true}, nil
	}

	unlock := r.locks.lock(ev.Key)
	defer unlock()

	if r.cache.Process(ev) {
		r.log.DebugContext(ctx, "router.duplicate", slog.Any("key", ev.Key), slog.Int64("seq", ev.Seq))
		return Outcome{Duplicate: true}, nil
	}

	var out Outcome
	start, end := events.IsSessionStart(ev), events.IsSessionEnd(ev)
	var autoFlags []bool

	for _, sub := range r.subs.Snapshot() {
		watching := sub.Watching(ev.Key)
		if watching {
			autoFlags = append(autoFlags, sub.Auto)
		}
		// A replay is private to the observer that started it.
		if ev.Key.IsPlayback() && ev.Key.Playback != sub.ObserverID {
			continue
		}
		if !(start || end || watching) {
			continue
		}
		if err := r.deliver(ctx, sub, ev); err != nil {
			r.log.WarnContext(ctx, "router.deliver.fail",
				slog.String("observer", sub.ObserverID),
				slog.String("kind", string(ev.Kind)),
				slog.String("err", err.Error()))
			out.Failed = append(out.Failed, sub.ObserverID)
			continue
		}
		out.Delivered = append(out.Delivered, sub.ObserverID)
	}

	var err error
	if ev.Kind == events.KindStrategyRequested && !ev.Key.IsPlayback() {
		out.Approval, err = r.arbitrate(ctx, ev, autoFlags)
	}

	if end {
		r.cache.Drop(ev.Key)
		out.Ended = true
		r.log.InfoContext(ctx, "router.session.end", slog.Any("key", ev.Key), slog.String("kind", string(ev.Kind)))
	}
	return out, err
}

func (r *Router) deliver(ctx context.Context, sub registry.Subscription, ev events.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panicked: %v", p)
		}
	}()
	return sub.Observer.Deliver(ctx, ev)
}

func (r *Router) arbitrate(ctx context.Context, ev events.Event, autoFlags []bool) (*events.Event, error) {
	var req events.StrategyRequest
	if err := ev.Decode(&req); err != nil {
		r.log.WarnContext(ctx, "router.arbitrate.decode", slog.String("err", err.Error()))
		return nil, nil
	}

	approved := arbiter.Decide(req, autoFlags)
	if len(approved) == 0 {
		return nil, nil
	}

	approval, err := arbiter.Approval(ev, approved, r.seq())
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "router.arbitrate.approved",
		slog.Any("key", ev.Key),
		slog.Int("strategies", len(approved)),
		slog.Bool("all_auto", arbiter.AllAuto(autoFlags)))

	if r.emit != nil {
		if err := r.emit.Emit(ctx, approval); err != nil {
			return &approval, fmt.Errorf("emit approval: %w", err)
		}
	}
	return &approval, nil
}
