package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/session-relay/events"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of a patch record. Records are written back to back, each
// prefixed with its varint length.
const (
	fieldTimestamp protowire.Number = 1
	fieldAttribute protowire.Number = 2
	fieldOld       protowire.Number = 3
	fieldNew       protowire.Number = 4
	fieldAuthor    protowire.Number = 5
	fieldEditedAt  protowire.Number = 6 // unix ms
	fieldDerived   protowire.Number = 7
	fieldKind      protowire.Number = 8
	fieldRequested protowire.Number = 9
)

func encodeEntries(entries []Entry) []byte {
	var out []byte
	for _, e := range entries {
		out = protowire.AppendBytes(out, encodeRecord(e))
	}
	return out
}

func encodeRecord(e Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp))
	b = protowire.AppendTag(b, fieldAttribute, protowire.BytesType)
	b = protowire.AppendString(b, e.AttributeID)
	if len(e.Old) > 0 {
		b = protowire.AppendTag(b, fieldOld, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Old)
	}
	b = protowire.AppendTag(b, fieldNew, protowire.BytesType)
	b = protowire.AppendBytes(b, e.New)
	if e.Author != "" {
		b = protowire.AppendTag(b, fieldAuthor, protowire.BytesType)
		b = protowire.AppendString(b, e.Author)
	}
	if !e.EditedAt.IsZero() {
		b = protowire.AppendTag(b, fieldEditedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.EditedAt.UnixMilli()))
	}
	if e.Derived {
		b = protowire.AppendTag(b, fieldDerived, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if e.Kind != "" {
		b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
		b = protowire.AppendString(b, string(e.Kind))
	}
	if e.Derived && e.Requested != 0 && e.Requested != e.Timestamp {
		b = protowire.AppendTag(b, fieldRequested, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Requested))
	}
	return b
}

func decodeEntries(data []byte) ([]Entry, error) {
	var out []Entry
	for len(data) > 0 {
		rec, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("record %d: %w", len(out), protowire.ParseError(n))
		}
		data = data[n:]

		e, err := decodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, e)
	}
	return out, nil
}

var errIncompleteRecord = errors.New("record is missing its attribute or value")

func decodeRecord(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldTimestamp || num == fieldEditedAt || num == fieldDerived || num == fieldRequested):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return e, protowire.ParseError(m)
			}
			switch num {
			case fieldTimestamp:
				e.Timestamp = int64(v)
			case fieldEditedAt:
				e.EditedAt = time.UnixMilli(int64(v)).UTC()
			case fieldDerived:
				e.Derived = protowire.DecodeBool(v)
			case fieldRequested:
				e.Requested = int64(v)
			}
			n = m
		case typ == protowire.BytesType && num >= fieldAttribute && num <= fieldKind:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return e, protowire.ParseError(m)
			}
			switch num {
			case fieldAttribute:
				e.AttributeID = string(v)
			case fieldOld:
				e.Old = append(json.RawMessage(nil), v...)
			case fieldNew:
				e.New = append(json.RawMessage(nil), v...)
			case fieldAuthor:
				e.Author = string(v)
			case fieldKind:
				e.Kind = events.Kind(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}

	if e.AttributeID == "" || len(e.New) == 0 {
		return e, errIncompleteRecord
	}
	if !json.Valid(e.New) || (len(e.Old) > 0 && !json.Valid(e.Old)) {
		return e, fmt.Errorf("attribute %s: value is not valid JSON", e.AttributeID)
	}
	return e, nil
}

// legacyEntry is the JSON layout of patch files written before the binary
// encoding existed.
type legacyEntry struct {
	Timestamp   int64           `json:"timestamp"`
	AttributeID string          `json:"attributeId"`
	OldValue    json.RawMessage `json:"oldValue,omitempty"`
	NewValue    json.RawMessage `json:"newValue"`
	Author      string          `json:"author,omitempty"`
	EditedAt    int64           `json:"editedAt,omitempty"`
}

func decodeLegacy(data []byte) ([]Entry, error) {
	var raw []legacyEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for i, r := range raw {
		if r.AttributeID == "" || len(r.NewValue) == 0 {
			return nil, fmt.Errorf("entry %d: %w", i, errIncompleteRecord)
		}
		e := Entry{
			Timestamp:   r.Timestamp,
			AttributeID: r.AttributeID,
			Old:         r.OldValue,
			New:         r.NewValue,
			Author:      r.Author,
		}
		if r.EditedAt != 0 {
			e.EditedAt = time.UnixMilli(r.EditedAt).UTC()
		}
		out = append(out, e)
	}
	return out, nil
}
