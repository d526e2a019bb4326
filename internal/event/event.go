// Package event normalizes upserted entities and raw events into the flat,
// dot-path addressable documents that rules and silences are evaluated against.
package event

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

// Event is a normalized match document. It is transient: it lives only as long
// as matching and window bookkeeping need it.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attrs      map[string]any `json:"attrs"`
	ReceivedAt time.Time      `json:"received_at"`
}

var (
	// ErrInvalidDocument is returned for payloads that are not a JSON object.
	ErrInvalidDocument = errors.New("event: invalid document")
	// ErrMissingType is returned when a document carries no type.
	ErrMissingType = errors.New("event: missing type")
)

// Normalize parses a raw {id, type, attrs} document. Entity upserts that carry
// their attributes at the top level (no attrs object) are accepted too.
func Normalize(raw []byte, now time.Time) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidDocument
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, ErrInvalidDocument
	}

	typ := doc.Get("type").String()
	if typ == "" {
		return nil, ErrMissingType
	}

	ev := &Event{
		ID:         doc.Get("id").String(),
		Type:       typ,
		Attrs:      make(map[string]any),
		ReceivedAt: now,
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}

	if attrs := doc.Get("attrs"); attrs.Exists() {
		flatten("", attrs, ev.Attrs)
	} else {
		doc.ForEach(func(k, v gjson.Result) bool {
			switch k.String() {
			case "id", "type":
			default:
				flatten(k.String(), v, ev.Attrs)
			}
			return true
		})
	}
	return ev, nil
}

// New builds an Event from already-decoded attributes, flattening nested maps.
func New(id, typ string, attrs map[string]any, now time.Time) *Event {
	if id == "" {
		id = ulid.Make().String()
	}
	ev := &Event{ID: id, Type: typ, Attrs: make(map[string]any, len(attrs)), ReceivedAt: now}
	flattenMap("", attrs, ev.Attrs)
	return ev
}

// Lookup resolves a path against the event. "type" and "id" address the
// envelope, "attrs.<path>" and bare paths address attributes.
func (e *Event) Lookup(path string) (any, bool) {
	switch path {
	case "type":
		return e.Type, e.Type != ""
	case "id":
		return e.ID, e.ID != ""
	}
	path = strings.TrimPrefix(path, "attrs.")
	v, ok := e.Attrs[path]
	return v, ok
}

func flatten(prefix string, v gjson.Result, out map[string]any) {
	switch {
	case v.IsObject():
		v.ForEach(func(k, child gjson.Result) bool {
			flatten(join(prefix, k.String()), child, out)
			return true
		})
	case prefix == "":
		// scalar attrs document, nothing addressable
	case v.IsArray():
		out[prefix] = v.Value()
	default:
		switch v.Type {
		case gjson.String:
			out[prefix] = v.String()
		case gjson.Number:
			out[prefix] = v.Float()
		case gjson.True, gjson.False:
			out[prefix] = v.Bool()
		default:
			out[prefix] = nil
		}
	}
}

func flattenMap(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := join(prefix, k)
		if m, ok := v.(map[string]any); ok {
			flattenMap(key, m, out)
			continue
		}
		out[key] = v
	}
}

func join(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}
