// Package schema defines the events exchanged between AAR components and their payload shapes.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/aarbus/errs"
)

// Event is an immutable message flowing through the bus.
// Ownership passes to the bus at publish time; handlers share it read-only.
type Event struct {
	id        string
	typ       EventType
	payload   any
	source    string
	timestamp time.Time
	metadata  map[string]string
}

// EventOption customises event construction.
type EventOption func(*Event)

// WithSource records the component that produced the event.
func WithSource(source string) EventOption {
	trimmed := strings.TrimSpace(source)
	return func(e *Event) {
		e.source = trimmed
	}
}

// WithMetadata attaches a metadata annotation. Blank keys are ignored.
func WithMetadata(key, value string) EventOption {
	return func(e *Event) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[trimmedKey] = value
	}
}

// WithID overrides the generated identifier.
func WithID(id string) EventOption {
	trimmed := strings.TrimSpace(id)
	return func(e *Event) {
		if trimmed != "" {
			e.id = trimmed
		}
	}
}

// WithTimestamp overrides the generation time.
func WithTimestamp(ts time.Time) EventOption {
	return func(e *Event) {
		if !ts.IsZero() {
			e.timestamp = ts.UTC()
		}
	}
}

// NewEvent builds an event of the given type. The type tag is required.
func NewEvent(typ EventType, payload any, opts ...EventOption) (*Event, error) {
	normalized := EventType(strings.TrimSpace(string(typ)))
	if normalized == "" {
		return nil, errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event type cannot be empty"))
	}
	evt := &Event{
		id:        uuid.NewString(),
		typ:       normalized,
		payload:   payload,
		source:    "",
		timestamp: time.Now().UTC(),
		metadata:  nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(evt)
		}
	}
	return evt, nil
}

// MustEvent is NewEvent for statically known types; it panics on an empty type.
func MustEvent(typ EventType, payload any, opts ...EventOption) *Event {
	evt, err := NewEvent(typ, payload, opts...)
	if err != nil {
		panic(err)
	}
	return evt
}

// ID returns the globally unique event identifier.
func (e *Event) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// Type returns the event type tag.
func (e *Event) Type() EventType {
	if e == nil {
		return ""
	}
	return e.typ
}

// Payload returns the opaque publisher payload.
func (e *Event) Payload() any {
	if e == nil {
		return nil
	}
	return e.payload
}

// Source returns the origin identifier, possibly empty.
func (e *Event) Source() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Timestamp returns the generation time.
func (e *Event) Timestamp() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.timestamp
}

// Metadata returns a copy of the metadata annotations.
func (e *Event) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// MetadataValue looks up a single annotation.
func (e *Event) MetadataValue(key string) (string, bool) {
	if e == nil || e.metadata == nil {
		return "", false
	}
	v, ok := e.metadata[key]
	return v, ok
}

// WithMetadata returns a copy of the event carrying an extra annotation.
// Identity, type, payload and timestamp are preserved.
func (e *Event) WithMetadata(key, value string) *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.metadata = e.Metadata()
	WithMetadata(key, value)(&clone)
	return &clone
}

type eventJSON struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   any               `json:"payload,omitempty"`
}

// MarshalJSON renders the event for history export and monitoring.
func (e *Event) MarshalJSON() ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	return json.Marshal(eventJSON{
		ID:        e.id,
		Type:      e.typ,
		Source:    e.source,
		Timestamp: e.timestamp,
		Metadata:  e.metadata,
		Payload:   e.payload,
	})
}
