package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
)

var errMissingKind = errors.New("event has no kind")

// Marshal encodes ev as the JSON envelope used on the bus and in log files.
func Marshal(ev Event) ([]byte, error) {
	if ev.Kind == "" {
		return nil, errMissingKind
	}
	return json.Marshal(ev)
}

// Unmarshal decodes a JSON envelope.
func Unmarshal(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, errMissingKind
	}
	return ev, nil
}

// Schema returns the JSON schema of the event envelope.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(Event))
}
