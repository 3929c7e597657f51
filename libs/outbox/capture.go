package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/events"
	otelx "github.com/md-rashed-zaman/msgcore/libs/otel"
)

// Capture converts pending aggregate events into outbox rows. It runs inside
// the unit of work right before commit and only writes to the database.
type Capture struct {
	module   string
	registry *events.Registry
	store    Store
	metrics  *Metrics
	now      func() time.Time
	newID    func() uuid.UUID
}

type CaptureOption func(*Capture)

func WithCaptureMetrics(m *Metrics) CaptureOption {
	return func(c *Capture) { c.metrics = m }
}

func WithClock(now func() time.Time) CaptureOption {
	return func(c *Capture) { c.now = now }
}

func WithIDGenerator(fn func() uuid.UUID) CaptureOption {
	return func(c *Capture) { c.newID = fn }
}

func NewCapture(module string, registry *events.Registry, store Store, opts ...CaptureOption) *Capture {
	c := &Capture{
		module:   module,
		registry: registry,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newMessageID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Capture) Module() string { return c.module }

// Capture writes one row per pending event through q and clears each
// aggregate once its events are converted. Any encoding failure aborts the
// capture, and with it the surrounding unit of work.
func (c *Capture) Capture(ctx context.Context, q db.Querier, aggregates ...events.Aggregate) (int, error) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	now := c.now()

	var msgs []Message
	for _, agg := range aggregates {
		if agg == nil {
			continue
		}
		pending := agg.PendingEvents()
		if len(pending) == 0 {
			continue
		}
		for _, evt := range pending {
			payload, err := c.registry.Encode(evt)
			if err != nil {
				return 0, fmt.Errorf("capture %s %s: %w", agg.AggregateType(), agg.AggregateID(), err)
			}
			msgs = append(msgs, Message{
				ID:            c.newID(),
				Module:        c.module,
				AggregateType: agg.AggregateType(),
				AggregateID:   agg.AggregateID().String(),
				EventType:     evt.EventType(),
				Payload:       payload,
				CreatedAt:     now,
				Traceparent:   traceparent,
				Tracestate:    tracestate,
			})
		}
		agg.ClearEvents()
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	if err := c.store.Insert(ctx, q, msgs...); err != nil {
		return 0, err
	}
	c.metrics.addCaptured(ctx, c.module, len(msgs))
	return len(msgs), nil
}

// newMessageID returns time-ordered ids so rows captured in the same instant
// still relay in capture order.
func newMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
