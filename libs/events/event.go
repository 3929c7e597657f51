// Package events holds the event model shared by producers and consumers:
// envelopes, aggregates that collect pending events, and the registry that
// maps stable event-type tags to decoders.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is any domain or integration event. EventType returns a stable,
// versioned tag such as "orders.OrderPlaced.v1", never a Go type name.
type Event interface {
	EventType() string
}

// Envelope is the immutable wire form of an event. ID is assigned once when
// the event is captured into an outbox and survives every redelivery.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`

	// Module is the producing module. PartitionKey, when set, keeps events of
	// one aggregate on one broker partition.
	Module       string `json:"module,omitempty"`
	PartitionKey string `json:"partition_key,omitempty"`
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

func (e Envelope) Validate() error {
	switch {
	case e.ID == uuid.Nil:
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.Type == "":
		return fmt.Errorf("%w: missing event_type", ErrInvalidEnvelope)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	return nil
}

// Decode resolves the payload through the registry.
func (e Envelope) Decode(r *Registry) (Event, error) {
	return r.Decode(e.Type, e.Payload)
}

// Aggregate is a consistency boundary that accumulates events until its unit
// of work commits. It never persists or sends them itself.
type Aggregate interface {
	AggregateID() uuid.UUID
	AggregateType() string
	PendingEvents() []Event
	ClearEvents()
}

// Root is embedded by aggregates to collect raised events.
// Embedders still implement AggregateID and AggregateType.
type Root struct {
	pending []Event
}

func (r *Root) Raise(evt Event) {
	r.pending = append(r.pending, evt)
}

func (r *Root) PendingEvents() []Event {
	return append([]Event(nil), r.pending...)
}

func (r *Root) ClearEvents() {
	r.pending = nil
}
