package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ggoodman/session-relay/bus"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/gateway"
	"github.com/ggoodman/session-relay/internal/logctx"
	"github.com/ggoodman/session-relay/registry"
	"github.com/ggoodman/session-relay/storage"
)

const prefAutoMode = "auto"

// BusObserver delivers events to bus.ObserverTopic(id), for observers
// attached through a remote console.
type BusObserver struct {
	id  string
	bus bus.Bus
}

// NewBusObserver creates an observer publishing to b.
func NewBusObserver(b bus.Bus, id string) *BusObserver {
	return &BusObserver{id: id, bus: b}
}

func (o *BusObserver) ID() string { return o.id }

func (o *BusObserver) Deliver(ctx context.Context, ev events.Event) error {
	data, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = o.bus.Publish(ctx, bus.ObserverTopic(o.id), data)
	return err
}

var _ registry.Observer = (*BusObserver)(nil)

func withOp(ctx context.Context, id, op string) context.Context {
	return logctx.WithObserver(ctx, &logctx.ObserverData{ObserverID: id, Op: op})
}

// Connect registers an observer. A stored auto mode preference is restored.
func (e *Engine) Connect(ctx context.Context, obs registry.Observer) error {
	ctx = withOp(ctx, obs.ID(), "connect")
	if err := e.reg.Add(obs); err != nil {
		return err
	}

	item, err := e.prefs.Get(ctx, prefAutoMode, storage.WithObserver(obs.ID()))
	if err != nil {
		e.log.WarnContext(ctx, "engine.prefs.read", slog.String("err", err.Error()))
	} else if item != nil {
		if auto, perr := strconv.ParseBool(string(item.Data)); perr == nil {
			_ = e.reg.SetAuto(obs.ID(), auto)
		}
	}
	e.log.InfoContext(ctx, "engine.observer.connected")
	return nil
}

// Disconnect tears down whatever the observer watches, including a gateway
// target it set, and forgets it.
func (e *Engine) Disconnect(ctx context.Context, id string) error {
	ctx = withOp(ctx, id, "disconnect")
	if err := e.reg.Remove(id); err != nil {
		return err
	}
	if t := e.gateway.Target(); t != nil && t.Observer == id {
		if err := e.gateway.SetTarget(ctx, nil); err != nil {
			e.log.WarnContext(ctx, "engine.gateway.teardown", slog.String("err", err.Error()))
		}
	}
	e.log.InfoContext(ctx, "engine.observer.disconnected")
	return nil
}

// SetAutoMode sets whether the observer lets strategy requests be approved
// without a human. The preference is persisted.
func (e *Engine) SetAutoMode(ctx context.Context, id string, auto bool) error {
	ctx = withOp(ctx, id, "set_auto")
	if err := e.reg.SetAuto(id, auto); err != nil {
		return err
	}
	if err := e.prefs.Set(ctx, prefAutoMode, []byte(strconv.FormatBool(auto)), storage.WithObserver(id)); err != nil {
		return fmt.Errorf("persist auto mode: %w", err)
	}
	return nil
}

// IsWatching reports whether the observer follows key, live or replayed.
func (e *Engine) IsWatching(id string, key events.SessionKey) bool {
	return e.reg.IsWatching(id, key)
}

// SetGatewayTarget points the visualization gateway at connections on
// behalf of the observer. An empty list disconnects it.
func (e *Engine) SetGatewayTarget(ctx context.Context, id string, connections []string) error {
	ctx = withOp(ctx, id, "set_gateway")
	if _, err := e.reg.Get(id); err != nil {
		return err
	}
	var t *gateway.Target
	if len(connections) > 0 {
		t = &gateway.Target{Observer: id, Connections: connections}
	}
	if err := e.gateway.SetTarget(ctx, t); err != nil {
		e.log.WarnContext(ctx, "engine.gateway.target", slog.String("err", err.Error()))
		return err
	}
	return nil
}
