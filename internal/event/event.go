// Copyright 2025 James Ross
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes is the maximum UTF-8 JSON-serialized size of a payload.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// ValidationError describes why an Event failed construction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: invalid %s: %s", e.Field, e.Reason)
}

// Event is an immutable, validated message routed by the spine.
//
// Once constructed an Event's fields never change; Payload is copied on
// construction so later mutation of the caller's map cannot reach into
// an already-built Event.
type Event struct {
	id        string
	timestamp time.Time
	eventType string
	payload   map[string]any
}

// Option configures an Event at construction time.
type Option func(*params)

type params struct {
	id        string
	timestamp time.Time
	hasID     bool
	hasTS     bool
}

// WithID overrides the auto-generated UUID. The id must be a valid UUID v4
// string; it is normalized to lowercase.
func WithID(id string) Option {
	return func(p *params) {
		p.id = id
		p.hasID = true
	}
}

// WithTimestamp overrides the auto-generated timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(p *params) {
		p.timestamp = ts
		p.hasTS = true
	}
}

// New constructs a validated Event. eventType must be non-empty after
// trimming; payload must be JSON-serializable and its UTF-8 encoding must
// not exceed MaxPayloadBytes.
func New(eventType string, payload map[string]any, opts ...Option) (*Event, error) {
	var p params
	for _, opt := range opts {
		opt(&p)
	}

	trimmed := strings.TrimSpace(eventType)
	if trimmed == "" {
		return nil, &ValidationError{Field: "event_type", Reason: "must not be empty"}
	}

	id := uuid.New().String()
	if p.hasID {
		id = p.id
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 4 {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("must be a valid UUID v4 string, got %q", id)}
	}
	id = strings.ToLower(parsed.String())

	ts := time.Now().UTC()
	if p.hasTS {
		ts = p.timestamp.UTC()
	}

	if payload == nil {
		payload = map[string]any{}
	}
	clone, err := cloneValidatePayload(payload)
	if err != nil {
		return nil, err
	}

	return &Event{id: id, timestamp: ts, eventType: trimmed, payload: clone}, nil
}

func cloneValidatePayload(payload map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("must be JSON-serializable: %v", err)}
	}
	if len(encoded) > MaxPayloadBytes {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("exceeds maximum size of %d bytes (got %d bytes)", MaxPayloadBytes, len(encoded))}
	}
	var clone map[string]any
	if err := json.Unmarshal(encoded, &clone); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("round-trip failed: %v", err)}
	}
	return clone, nil
}

// ID returns the event's UUID v4 string, lowercase.
func (e *Event) ID() string { return e.id }

// Timestamp returns the event's UTC creation instant.
func (e *Event) Timestamp() time.Time { return e.timestamp }

// Type returns the routing event type.
func (e *Event) Type() string { return e.eventType }

// Payload returns a shallow copy of the event's payload map. Callers must
// not rely on mutating the returned map to affect the Event.
func (e *Event) Payload() map[string]any {
	out := make(map[string]any, len(e.payload))
	for k, v := range e.payload {
		out[k] = v
	}
	return out
}

// Equal reports whether two events are structurally identical across all
// four fields.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.id != other.id || !e.timestamp.Equal(other.timestamp) || e.eventType != other.eventType {
		return false
	}
	a, errA := json.Marshal(e.payload)
	b, errB := json.Marshal(other.payload)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// wireEvent is the JSON wire shape described in spec §4.1/§6: id,
// timestamp (ISO-8601), event_type, payload.
type wireEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// MarshalJSON renders the event in the wire shape.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:        e.id,
		Timestamp: e.timestamp,
		EventType: e.eventType,
		Payload:   e.payload,
	})
}

// ToJSONObject renders the event's wire shape as a plain map, matching
// spec §4.1's to_json_object().
func (e *Event) ToJSONObject() map[string]any {
	return map[string]any{
		"id":         e.id,
		"timestamp":  e.timestamp.Format(time.RFC3339Nano),
		"event_type": e.eventType,
		"payload":    e.Payload(),
	}
}

// Parse reconstructs an Event from its wire JSON representation, enforcing
// the same invariants as New (round-trip property: Parse(event.MarshalJSON()) ≡ event).
// Unknown top-level fields are rejected.
func Parse(data []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return nil, &ValidationError{Field: "event", Reason: fmt.Sprintf("malformed or unknown fields: %v", err)}
	}
	return New(w.EventType, w.Payload, WithID(w.ID), WithTimestamp(w.Timestamp))
}
