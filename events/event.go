package events

import (
	"encoding/json"
	"fmt"
)

// Event is a single state change emitted by a producer (or by the relay on
// its behalf). Time is in unix milliseconds.
type Event struct {
	Kind          Kind            `json:"kind"`
	Key           SessionKey      `json:"key"`
	Seq           int64           `json:"seq"`
	Time          int64           `json:"time"`
	Source        string          `json:"source,omitempty" jsonschema:"description=Address of the producer that emitted the event"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// IsSessionStart reports whether ev announces a new session.
func IsSessionStart(ev Event) bool {
	return ev.Kind == KindSessionCreated
}

// IsSessionEnd reports whether ev terminates its session.
func IsSessionEnd(ev Event) bool {
	switch ev.Kind {
	case KindSessionClosing, KindLessonCompleted, KindProducerLost:
		return true
	}
	return false
}

// Decode unmarshals the payload into v.
func (ev Event) Decode(v any) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("event %s/%d has no payload", ev.Kind, ev.Seq)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Kind, err)
	}
	return nil
}

// WithPlayback returns a copy of ev tagged with the replay owner.
func (ev Event) WithPlayback(owner string) Event {
	ev.Key = ev.Key.WithPlayback(owner)
	return ev
}

// WithPayload returns a copy of ev carrying v marshalled as its payload.
func (ev Event) WithPayload(v any) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", ev.Kind, err)
	}
	ev.Payload = b
	return ev, nil
}

// Clone returns a copy of ev that does not share its payload buffer.
func (ev Event) Clone() Event {
	if ev.Payload != nil {
		ev.Payload = append(json.RawMessage(nil), ev.Payload...)
	}
	return ev
}
