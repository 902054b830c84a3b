package logctx

import (
	"context"
	"log/slog"

	"github.com/ggoodman/session-relay/events"
)

// Handler decorates records with the session and observer attached to the
// context, so call sites only pass the context along.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if key, ok := ctx.Value(sessionKey{}).(events.SessionKey); ok {
		r.AddAttrs(slog.Any("sess", key))
	}

	if od, ok := ctx.Value(observerDataKey{}).(*ObserverData); ok {
		r.AddAttrs(slog.Group("obs",
			slog.String("id", od.ObserverID),
			slog.String("op", od.Op),
		))
	}

	if pd, ok := ctx.Value(producerKey{}).(string); ok {
		r.AddAttrs(slog.String("producer", pd))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type sessionKey struct{}

func WithSession(ctx context.Context, key events.SessionKey) context.Context {
	return context.WithValue(ctx, sessionKey{}, key)
}

type observerDataKey struct{}

type ObserverData struct {
	ObserverID string
	Op         string
}

func WithObserver(ctx context.Context, data *ObserverData) context.Context {
	return context.WithValue(ctx, observerDataKey{}, data)
}

type producerKey struct{}

func WithProducer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, producerKey{}, addr)
}
