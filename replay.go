package relay

import (
	"context"
	"log/slog"

	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/logstore"
	"github.com/ggoodman/session-relay/playback"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RegisterPlayback starts a replay of logID for the observer, replacing
// whatever it watched before. The observer receives a session_created event
// for the replay followed by the state at the start of the log, and the
// replay is left paused there.
func (e *Engine) RegisterPlayback(ctx context.Context, id, logID string) (logstore.Metadata, error) {
	ctx = withOp(ctx, id, "register_playback")
	ctx, span := e.tracer.Start(ctx, "relay.playback.register", trace.WithAttributes(
		attribute.String("observer", id),
		attribute.String("log", logID),
	))
	defer span.End()

	svc, err := e.reg.RegisterPlayback(id, func() (*playback.Service, error) {
		l, err := e.logs.LoadLog(ctx, logID)
		if err != nil {
			return nil, err
		}
		if err := e.patches.Open(ctx, logID, l.Events); err != nil {
			return nil, err
		}

		svc := playback.New(id, l.Meta, l.Events, e.emitReplay,
			playback.WithOverlay(e.patches),
			playback.WithKeepAlive(e.keepAlive),
			playback.WithEntityTimeout(e.entityTimeout),
			playback.WithLogger(e.log))

		created := events.Event{
			Kind: events.KindSessionCreated,
			Key:  svc.Key(),
			Seq:  e.nextSeq(),
			Time: l.Meta.Start,
		}
		if err := e.route(ctx, created); err != nil {
			e.log.WarnContext(ctx, "engine.playback.created", slog.String("err", err.Error()))
		}
		return svc, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return logstore.Metadata{}, err
	}

	meta := svc.Meta()
	err = e.reg.WithPlayback(id, func(s *playback.Service) error {
		return s.Seek(ctx, s.Meta().Start)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return meta, err
	}
	e.log.InfoContext(ctx, "engine.playback.registered", slog.String("log", logID))
	return meta, nil
}

// emitReplay routes an event produced by a replay. Only the replay owner
// receives it.
func (e *Engine) emitReplay(ctx context.Context, ev events.Event) {
	if err := e.route(ctx, ev); err != nil {
		e.log.WarnContext(ctx, "engine.playback.emit", slog.String("err", err.Error()))
	}
}

// DeregisterPlayback terminates the observer's replay.
func (e *Engine) DeregisterPlayback(ctx context.Context, id string) error {
	return e.reg.DeregisterPlayback(id)
}

// SetPlaybackTime moves the observer's replay to t, in unix milliseconds.
func (e *Engine) SetPlaybackTime(ctx context.Context, id string, t int64) error {
	ctx = withOp(ctx, id, "seek")
	return e.reg.WithPlayback(id, func(s *playback.Service) error {
		return s.Seek(ctx, t)
	})
}

// StartPlayback plays the observer's replay from its play head.
func (e *Engine) StartPlayback(ctx context.Context, id string) error {
	ctx = withOp(ctx, id, "play")
	return e.reg.WithPlayback(id, func(s *playback.Service) error {
		return s.Play(ctx)
	})
}

// StopPlayback pauses the observer's replay.
func (e *Engine) StopPlayback(ctx context.Context, id string) error {
	return e.reg.WithPlayback(id, func(s *playback.Service) error {
		return s.Pause()
	})
}

// LearnerTimeline returns the learner states of the observer's replay,
// corrections included.
func (e *Engine) LearnerTimeline(ctx context.Context, id string) ([]events.Event, error) {
	var out []events.Event
	err := e.reg.WithPlayback(id, func(s *playback.Service) error {
		out = s.LearnerStates()
		return nil
	})
	return out, err
}

// ListLogs lists the recorded logs available to userID.
func (e *Engine) ListLogs(ctx context.Context, userID string) ([]logstore.Metadata, error) {
	return e.logs.ListLogs(ctx, userID)
}

// refreshLog rebuilds every replay of logID after its corrections changed.
func (e *Engine) refreshLog(logID string) {
	for _, sub := range e.reg.Snapshot() {
		if !sub.HasPlayback {
			continue
		}
		err := e.reg.WithPlayback(sub.ObserverID, func(s *playback.Service) error {
			if s.Meta().ID != logID {
				return nil
			}
			return s.Refresh()
		})
		if err != nil {
			e.log.Debug("engine.playback.refresh", slog.String("observer", sub.ObserverID), slog.String("err", err.Error()))
		}
	}
}
