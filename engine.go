// Package relay routes live session events to connected observers, replays
// recorded sessions, and keeps operator corrections to those recordings.
//
// The Engine ties the pieces together: producers publish events on the bus,
// the router fans them out to the observers watching each session, and each
// observer can instead replay a recorded log with its own play head.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/session-relay/bus"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/gateway"
	"github.com/ggoodman/session-relay/internal/logctx"
	"github.com/ggoodman/session-relay/liveness"
	"github.com/ggoodman/session-relay/logstore"
	"github.com/ggoodman/session-relay/patch"
	"github.com/ggoodman/session-relay/playback"
	"github.com/ggoodman/session-relay/registry"
	"github.com/ggoodman/session-relay/router"
	"github.com/ggoodman/session-relay/statecache"
	"github.com/ggoodman/session-relay/storage"
	"github.com/ggoodman/session-relay/storage/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ggoodman/session-relay"

// Engine is safe for concurrent use.
type Engine struct {
	bus       bus.Bus
	logs      logstore.Store
	patches   *patch.Store
	prefs     storage.Storage
	publisher RecordPublisher

	cache   *statecache.Cache
	monitor *liveness.Monitor
	reg     *registry.Registry[*playback.Service]
	router  *router.Router
	gateway *gateway.Client

	seq    atomic.Int64
	tracer trace.Tracer
	log    *slog.Logger

	heartbeatTimeout time.Duration
	removalGrace     time.Duration
	gatewayTimeout   time.Duration
	keepAlive        time.Duration
	entityTimeout    time.Duration
	dedupWindow      int
	clientID         string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Records are decorated with the session and
// observer found on the context.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = slog.New(logctx.Handler{Handler: l.Handler()})
		}
	}
}

// WithPreferences stores observer preferences, such as auto mode, in s so
// they survive reconnects. Defaults to an in-process store.
func WithPreferences(s storage.Storage) Option {
	return func(e *Engine) { e.prefs = s }
}

// WithRecordPublisher publishes corrected scores to the external record
// store. Without one, corrections are only saved locally.
func WithRecordPublisher(p RecordPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithHeartbeatTimeout sets how long a producer may stay silent.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.heartbeatTimeout = d
		}
	}
}

// WithRemovalGrace sets the delay before a silent producer is removed.
func WithRemovalGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.removalGrace = d
		}
	}
}

// WithGatewayTimeout bounds gateway control requests.
func WithGatewayTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gatewayTimeout = d
		}
	}
}

// WithKeepAlive sets how often paused replays re-emit entity states.
func WithKeepAlive(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.keepAlive = d
		}
	}
}

// WithEntityTimeout bounds how far back a seek looks for entity states.
func WithEntityTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.entityTimeout = d
		}
	}
}

// WithDedupWindow sets how many sequence numbers are remembered per session.
func WithDedupWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dedupWindow = n
		}
	}
}

// WithGatewayClientID fixes the gateway client id, which otherwise is random.
func WithGatewayClientID(id string) Option {
	return func(e *Engine) { e.clientID = id }
}

// New wires an engine. Recorded logs come from logs and their corrections
// live in patches.
func New(b bus.Bus, logs logstore.Store, patches *patch.Store, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if logs == nil {
		return nil, errors.New("log store is required")
	}
	if patches == nil {
		return nil, errors.New("patch store is required")
	}

	e := &Engine{
		bus:              b,
		logs:             logs,
		patches:          patches,
		tracer:           otel.Tracer(tracerName),
		log:              slog.New(slog.DiscardHandler),
		heartbeatTimeout: liveness.DefaultTimeout,
		removalGrace:     liveness.DefaultGrace,
		gatewayTimeout:   30 * time.Second,
		keepAlive:        time.Second,
		entityTimeout:    30 * time.Second,
		dedupWindow:      statecache.DefaultWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.prefs == nil {
		prefs, err := memory.New(10_000)
		if err != nil {
			return nil, err
		}
		e.prefs = prefs
	}

	e.cache = statecache.New(
		statecache.WithWindow(e.dedupWindow),
		statecache.WithLogger(e.log))
	e.monitor = liveness.New(e.producerLost,
		liveness.WithTimeout(e.heartbeatTimeout),
		liveness.WithGrace(e.removalGrace),
		liveness.WithLogger(e.log))
	e.reg = registry.New[*playback.Service](
		registry.WithReleaseFunc(e.released),
		registry.WithLogger(e.log))
	e.router = router.New(e.cache, e.reg,
		router.WithEmitter(router.EmitterFunc(e.emitDomain)),
		router.WithSequence(e.nextSeq),
		router.WithLogger(e.log))
	e.gateway = gateway.New(b,
		gateway.WithClientID(e.clientID),
		gateway.WithTimeout(e.gatewayTimeout),
		gateway.WithLogger(e.log))
	return e, nil
}

func (e *Engine) nextSeq() int64 { return e.seq.Add(1) }

// Run consumes the bus and runs the background loops until ctx is done.
// The first loop to fail stops the others.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := map[string]func(context.Context) error{
		"monitor": func(ctx context.Context) error {
			return e.bus.Subscribe(ctx, bus.TopicMonitor, "", e.handleEnvelope)
		},
		"discovery": func(ctx context.Context) error {
			return e.bus.Subscribe(ctx, bus.TopicDiscovery, "", e.handleEnvelope)
		},
		"control": func(ctx context.Context) error {
			return e.bus.Subscribe(ctx, bus.TopicControl, "", e.handleControl)
		},
		"liveness": e.monitor.Run,
		"patches": func(ctx context.Context) error {
			return e.patches.Watch(ctx, e.refreshLog)
		},
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(loops))
	for name, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := loop(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Error("engine.loop.fail", slog.String("loop", name), slog.String("err", err.Error()))
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
			cancel()
		}()
	}

	e.log.Info("engine.run", slog.String("gateway_client", e.gateway.ID()))
	wg.Wait()
	e.gateway.Close()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (e *Engine) handleEnvelope(ctx context.Context, env bus.Envelope) error {
	ev, err := events.Unmarshal(env.Data)
	if err != nil {
		e.log.WarnContext(ctx, "engine.event.invalid", slog.String("id", env.ID), slog.String("err", err.Error()))
		return nil
	}
	if err := e.HandleEvent(ctx, ev); err != nil {
		e.log.WarnContext(ctx, "engine.event.fail", slog.String("kind", string(ev.Kind)), slog.String("err", err.Error()))
	}
	return nil
}

// HandleEvent processes one producer event: heartbeats feed the liveness
// monitor, everything else is routed to observers and mirrored to the
// gateway.
func (e *Engine) HandleEvent(ctx context.Context, ev events.Event) error {
	if ev.Kind == events.KindHeartbeat {
		if ev.Source != "" {
			e.monitor.Heartbeat(ev.Source)
		}
		return nil
	}

	ctx = logctx.WithSession(ctx, ev.Key)
	if ev.Source != "" && !ev.Key.IsPlayback() {
		ctx = logctx.WithProducer(ctx, ev.Source)
		if events.IsSessionEnd(ev) {
			e.monitor.Detach(ev.Source, ev.Key)
		} else {
			e.monitor.Attribute(ev.Source, ev.Key)
		}
	}
	return e.route(ctx, ev)
}

func (e *Engine) route(ctx context.Context, ev events.Event) error {
	ctx, span := e.tracer.Start(ctx, "relay.route", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("session", ev.Key.String()),
	))
	defer span.End()

	out, err := e.router.Route(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if out.Ignored || out.Duplicate {
		span.SetAttributes(attribute.Bool("event.dropped", true))
		return err
	}
	span.SetAttributes(attribute.Int("observers", len(out.Delivered)))

	if ferr := e.gateway.Forward(ctx, ev); ferr != nil {
		e.log.WarnContext(ctx, "engine.gateway.forward", slog.String("err", ferr.Error()))
	}
	return err
}

// emitDomain publishes relay-originated events, such as auto-approvals, for
// producers to pick up.
func (e *Engine) emitDomain(ctx context.Context, ev events.Event) error {
	data, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = e.bus.Publish(ctx, bus.TopicDomain, data)
	return err
}

// producerLost ends every session fed by a producer that went silent.
func (e *Engine) producerLost(addr string, keys []events.SessionKey) {
	ctx := logctx.WithProducer(context.Background(), addr)
	for _, key := range keys {
		ev, err := events.Event{
			Kind:   events.KindProducerLost,
			Key:    key,
			Seq:    e.nextSeq(),
			Time:   time.Now().UnixMilli(),
			Source: addr,
		}.WithPayload(events.ProducerLost{Address: addr})
		if err != nil {
			continue
		}
		if err := e.route(logctx.WithSession(ctx, key), ev); err != nil {
			e.log.WarnContext(ctx, "engine.producer_lost.route", slog.String("err", err.Error()))
		}
		e.reg.ReleaseKey(key)
	}
}

// released runs after an observer stops watching key.
func (e *Engine) released(observerID string, key events.SessionKey, isPlayback bool) {
	if isPlayback {
		e.cache.Drop(key)
		return
	}
	if len(e.reg.Watchers(key)) == 0 {
		e.cache.SetAttached(key, false)
	}
}
