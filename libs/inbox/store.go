// Package inbox makes event consumers idempotent. A consumer module records
// every event id it has handled in its own inbox table, in the same
// transaction as the handler's effect.
package inbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

// Entry records that Module has handled EventID.
type Entry struct {
	EventID     uuid.UUID
	EventType   string
	Module      string
	ProcessedAt time.Time
}

// Store persists inbox entries. Every method runs on the Querier it is given.
type Store interface {
	// Lock serialises concurrent deliveries of one event to one module until
	// q's transaction ends.
	Lock(ctx context.Context, q db.Querier, eventID uuid.UUID, module string) error
	Exists(ctx context.Context, q db.Querier, eventID uuid.UUID, module string) (bool, error)
	// Insert reports false when the entry already exists.
	Insert(ctx context.Context, q db.Querier, e Entry) (bool, error)
	// Purge deletes entries processed before olderThan. Normal operation never
	// removes entries; this is an operator retention tool.
	Purge(ctx context.Context, q db.Querier, olderThan time.Time) (int64, error)
	EnsureSchema(ctx context.Context, q db.Querier) error
}

func lockKey(eventID uuid.UUID, module string) string {
	return module + ":" + eventID.String()
}
