package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

type PGStore struct {
	table string
}

var _ Store = (*PGStore)(nil)

func NewPGStore(table string) (*PGStore, error) {
	quoted, err := db.Table(table)
	if err != nil {
		return nil, err
	}
	return &PGStore{table: quoted}, nil
}

// Schema returns idempotent DDL for an inbox table.
func Schema(table string) (string, error) {
	quoted, err := db.Table(table)
	if err != nil {
		return "", err
	}
	return schemaSQL(quoted), nil
}

func schemaSQL(quoted string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           uuid        NOT NULL,
			event_type   text        NOT NULL,
			module       text        NOT NULL,
			processed_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (id, module)
		);
	`, quoted)
}

func (s *PGStore) EnsureSchema(ctx context.Context, q db.Querier) error {
	_, err := q.Exec(ctx, schemaSQL(s.table))
	return err
}

// Lock takes a transaction-scoped advisory lock; it is released by commit or
// rollback.
func (s *PGStore) Lock(ctx context.Context, q db.Querier, eventID uuid.UUID, module string) error {
	_, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(eventID, module))
	return err
}

func (s *PGStore) Exists(ctx context.Context, q db.Querier, eventID uuid.UUID, module string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND module = $2)
	`, s.table), eventID.String(), module).Scan(&exists)
	return exists, err
}

func (s *PGStore) Insert(ctx context.Context, q db.Querier, e Entry) (bool, error) {
	tag, err := q.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, event_type, module, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, module) DO NOTHING
	`, s.table), e.EventID.String(), e.EventType, e.Module, e.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("insert inbox entry %s: %w", e.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Purge(ctx context.Context, q db.Querier, olderThan time.Time) (int64, error) {
	tag, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE processed_at < $1`, s.table), olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
