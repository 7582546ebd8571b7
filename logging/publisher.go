package logging

import (
	"context"
	"maps"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

type EntityKind string

const (
	EntityKindUnknown EntityKind = "unknown"
	EntityKindHost    EntityKind = "host"
	EntityKindClient  EntityKind = "client"
	EntityKindUser    EntityKind = "user"
	EntityKindSlot    EntityKind = "slot"
	EntityKindSession EntityKind = "session"
)

// Event is a structured log record. Tick carries the committed network time
// at which the event was observed.
type Event struct {
	Type      EventType      `json:"type"`
	Tick      uint64         `json:"tick"`
	Time      time.Time      `json:"time"`
	Actor     EntityRef      `json:"actor"`
	Targets   []EntityRef    `json:"targets,omitempty"`
	Severity  Severity       `json:"severity"`
	Category  string         `json:"category,omitempty"`
	Payload   any            `json:"payload,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

const (
	CategoryNetwork   = "network"
	CategorySync      = "sync"
	CategoryLifecycle = "lifecycle"
	CategorySystem    = "system"
)

// HostRef identifies the session host as an event actor.
func HostRef() EntityRef {
	return EntityRef{ID: "host", Kind: EntityKindHost}
}

// ClientRef identifies a connection record as an event actor.
func ClientRef(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindClient}
}

// UserRef identifies a lobby user by name.
func UserRef(name string) EntityRef {
	return EntityRef{ID: name, Kind: EntityKindUser}
}

// Clone copies the event's targets and extra fields so the copy can be
// handed to another goroutine. Payloads are shared and must not be mutated
// after publishing.
func (e Event) Clone() Event {
	if len(e.Targets) > 0 {
		e.Targets = append([]EntityRef(nil), e.Targets...)
	}
	e.Extra = maps.Clone(e.Extra)
	return e
}

// WithExtra returns a copy of e with key set.
func (e Event) WithExtra(key string, value any) Event {
	e.Extra = maps.Clone(e.Extra)
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}

// mergeFields adds fields the event does not already carry. A "session"
// field also fills an empty SessionID.
func mergeFields(event Event, fields map[string]any) Event {
	if len(fields) == 0 {
		return event
	}
	event = event.Clone()
	if event.Extra == nil {
		event.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, exists := event.Extra[k]; !exists {
			event.Extra[k] = v
		}
	}
	if id, ok := fields["session"].(string); ok && event.SessionID == "" {
		event.SessionID = id
	}
	return event
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

// WithFields decorates p so every event carries fields.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := maps.Clone(fields)
	return PublisherFunc(func(ctx context.Context, event Event) {
		p.Publish(ctx, mergeFields(event, copied))
	})
}
