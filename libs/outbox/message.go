// Package outbox captures aggregate events into a module-owned table inside
// the business transaction and relays them to an event bus afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/events"
)

// Message is one outbox row.
type Message struct {
	ID            uuid.UUID
	Module        string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ErrorMessage  string
	RetryCount    int
	Traceparent   string
	Tracestate    string
}

func (m Message) Pending() bool { return m.ProcessedAt == nil }

// Dead reports a row that exhausted its retry budget.
func (m Message) Dead(maxRetries int) bool {
	return m.ProcessedAt == nil && m.RetryCount >= maxRetries
}

// Envelope is the bus form of the row. The row id becomes the event id.
func (m Message) Envelope() events.Envelope {
	return events.Envelope{
		ID:           m.ID,
		Type:         m.EventType,
		Payload:      m.Payload,
		OccurredAt:   m.CreatedAt,
		Module:       m.Module,
		PartitionKey: m.AggregateID,
	}
}

// Stats counts rows that still need attention.
type Stats struct {
	Pending int
	Dead    int
}

var ErrNotFound = errors.New("outbox message not found")

// Store persists outbox rows. Every method runs on the Querier it is given,
// so writes join whatever transaction the caller holds. Updates never touch a
// row whose processed_at is already set.
type Store interface {
	Insert(ctx context.Context, q db.Querier, msgs ...Message) error
	// ClaimPending locks up to limit unprocessed rows below the retry ceiling,
	// oldest first, skipping rows another transaction holds.
	ClaimPending(ctx context.Context, q db.Querier, limit, maxRetries int) ([]Message, error)
	MarkProcessed(ctx context.Context, q db.Querier, ids []uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, q db.Querier, id uuid.UUID, reason string) error
	// MarkDead records a permanent failure by pushing retry_count to the ceiling.
	MarkDead(ctx context.Context, q db.Querier, id uuid.UUID, reason string, maxRetries int) error
	ListDead(ctx context.Context, q db.Querier, maxRetries, limit int) ([]Message, error)
	// Requeue resets the retry budget of an unprocessed row.
	Requeue(ctx context.Context, q db.Querier, id uuid.UUID) error
	Stats(ctx context.Context, q db.Querier, maxRetries int) (Stats, error)
	EnsureSchema(ctx context.Context, q db.Querier) error
}

const maxErrorMessageLen = 2000

// truncateReason keeps error_message storable in a text column: valid UTF-8,
// no NUL bytes, cut on a rune boundary.
func truncateReason(s string) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	if len(s) <= maxErrorMessageLen {
		return s
	}
	cut := maxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
