package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/session-relay/errdefs"
	"github.com/ggoodman/session-relay/events"
	"github.com/ggoodman/session-relay/logstore"
	"github.com/ggoodman/session-relay/patch"
	"github.com/ggoodman/session-relay/playback"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Record is a corrected score handed to the external record store.
type Record struct {
	LogID       string            `json:"logId"`
	Session     events.SessionKey `json:"session"`
	Timestamp   int64             `json:"timestamp"`
	AttributeID string            `json:"attributeId"`
	Old         json.RawMessage   `json:"old,omitempty"`
	New         json.RawMessage   `json:"new"`
	Author      string            `json:"author"`
}

// RecordAck is the record store's receipt.
type RecordAck struct {
	RecordID string `json:"recordId"`
}

// RecordPublisher sends corrected scores to the external record store.
//
//go:generate go run go.uber.org/mock/mockgen -destination=internal/mocks/record_publisher.go -package=mocks github.com/ggoodman/session-relay RecordPublisher
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec Record) (RecordAck, error)
}

// RecordPublisherFunc adapts a function to RecordPublisher.
type RecordPublisherFunc func(ctx context.Context, rec Record) (RecordAck, error)

func (f RecordPublisherFunc) PublishRecord(ctx context.Context, rec Record) (RecordAck, error) {
	return f(ctx, rec)
}

// EditOutcome reports how far a correction got.
type EditOutcome struct {
	Entry patch.Entry
	// PatchFile is the patch file name written, empty when no corrections
	// are left.
	PatchFile string
	Saved     bool
	Published bool
	RecordID  string
}

// publishable reports whether corrections to events of kind k are sent to
// the record store.
func publishable(k events.Kind) bool { return k == events.KindScoreSubmitted }

// withReplayedLog runs fn with the metadata of the log the observer is
// replaying, under the observer's lock so the replay cannot change meanwhile.
func (e *Engine) withReplayedLog(id string, fn func(meta logstore.Metadata) error) error {
	return e.reg.WithPlayback(id, func(s *playback.Service) error {
		return fn(s.Meta())
	})
}

// EditPatch corrects attr of the event at ts in the log the observer is
// replaying and saves the patch file. Corrected scores are also published;
// when that fails the correction stays saved and the outcome is returned
// along with a *errdefs.PublishError.
func (e *Engine) EditPatch(ctx context.Context, id, author string, ts int64, attr string, value json.RawMessage) (EditOutcome, error) {
	ctx = withOp(ctx, id, "edit_patch")
	ctx, span := e.tracer.Start(ctx, "relay.patch.edit", trace.WithAttributes(
		attribute.String("observer", id),
		attribute.String("attribute", attr),
		attribute.Int64("timestamp", ts),
	))
	defer span.End()

	out, err := e.editPatch(ctx, id, author, ts, attr, value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Engine) editPatch(ctx context.Context, id, author string, ts int64, attr string, value json.RawMessage) (EditOutcome, error) {
	var (
		meta logstore.Metadata
		out  EditOutcome
	)
	err := e.withReplayedLog(id, func(m logstore.Metadata) error {
		meta = m
		entry, err := e.patches.ApplyPatch(m.ID, ts, attr, value, author)
		if err != nil {
			return err
		}
		out.Entry = entry
		name, err := e.patches.WriteToLog(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("save patch: %w", err)
		}
		out.PatchFile, out.Saved = name, true
		return nil
	})
	if err != nil {
		return out, err
	}
	e.refreshLog(meta.ID)
	e.log.InfoContext(ctx, "engine.patch.saved", slog.String("log", meta.ID), slog.String("file", out.PatchFile))

	if e.publisher == nil || !publishable(out.Entry.Kind) {
		return out, nil
	}
	ack, err := e.publisher.PublishRecord(ctx, Record{
		LogID:       meta.ID,
		Session:     meta.Session,
		Timestamp:   out.Entry.Timestamp,
		AttributeID: out.Entry.AttributeID,
		Old:         out.Entry.Old,
		New:         out.Entry.New,
		Author:      author,
	})
	if err != nil {
		e.log.WarnContext(ctx, "engine.patch.publish", slog.String("err", err.Error()))
		return out, &errdefs.PublishError{PatchFile: out.PatchFile, Err: err}
	}
	out.Published = true
	out.RecordID = ack.RecordID
	return out, nil
}

// RemovePatch drops the correction of attr at ts, restoring the recorded
// value, and saves the patch file.
func (e *Engine) RemovePatch(ctx context.Context, id string, ts int64, attr string) (EditOutcome, error) {
	ctx = withOp(ctx, id, "remove_patch")
	var (
		logID string
		out   EditOutcome
	)
	err := e.withReplayedLog(id, func(m logstore.Metadata) error {
		logID = m.ID
		entry, err := e.patches.RemovePatch(logID, ts, attr)
		if err != nil {
			return err
		}
		out.Entry = entry
		name, err := e.patches.WriteToLog(ctx, logID)
		if err != nil {
			return fmt.Errorf("save patch: %w", err)
		}
		out.PatchFile, out.Saved = name, true
		return nil
	})
	if err != nil {
		return out, err
	}
	e.refreshLog(logID)
	return out, nil
}

// DeleteSessionPatch removes every correction of the log the observer is
// replaying.
func (e *Engine) DeleteSessionPatch(ctx context.Context, id string) error {
	ctx = withOp(ctx, id, "delete_patch")
	var logID string
	err := e.withReplayedLog(id, func(m logstore.Metadata) error {
		logID = m.ID
		return e.patches.DeleteLog(ctx, logID)
	})
	if err != nil {
		return err
	}
	e.refreshLog(logID)
	e.log.InfoContext(ctx, "engine.patch.deleted", slog.String("log", logID))
	return nil
}

// PatchEntries lists the corrections of the log the observer is replaying.
func (e *Engine) PatchEntries(id string) ([]patch.Entry, error) {
	var out []patch.Entry
	err := e.withReplayedLog(id, func(m logstore.Metadata) error {
		out = e.patches.Entries(m.ID)
		return nil
	})
	return out, err
}
