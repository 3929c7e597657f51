package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

// PGStore keeps one module's outbox in its own table.
type PGStore struct {
	table string
	raw   string
}

var _ Store = (*PGStore)(nil)

func NewPGStore(table string) (*PGStore, error) {
	quoted, err := db.Table(table)
	if err != nil {
		return nil, err
	}
	return &PGStore{table: quoted, raw: strings.TrimSpace(table)}, nil
}

// Schema returns idempotent DDL for an outbox table.
func Schema(table string) (string, error) {
	quoted, err := db.Table(table)
	if err != nil {
		return "", err
	}
	return schemaSQL(quoted, table), nil
}

func schemaSQL(quoted, raw string) string {
	index := pgx.Identifier{indexName(raw)}.Sanitize()
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id             uuid PRIMARY KEY,
			module         text        NOT NULL,
			aggregate_type text        NOT NULL,
			aggregate_id   text        NOT NULL,
			event_type     text        NOT NULL,
			payload        jsonb       NOT NULL,
			created_at     timestamptz NOT NULL DEFAULT now(),
			processed_at   timestamptz NULL,
			error_message  text        NULL,
			retry_count    integer     NOT NULL DEFAULT 0,
			traceparent    text        NULL,
			tracestate     text        NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (created_at, id) WHERE processed_at IS NULL;
	`, quoted, index)
}

func indexName(raw string) string {
	name := raw
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '.' {
			name = raw[i+1:]
			break
		}
	}
	return name + "_unprocessed_idx"
}

func (s *PGStore) EnsureSchema(ctx context.Context, q db.Querier) error {
	_, err := q.Exec(ctx, schemaSQL(s.table, s.raw))
	return err
}

func (s *PGStore) Insert(ctx context.Context, q db.Querier, msgs ...Message) error {
	for _, m := range msgs {
		_, err := q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, module, aggregate_type, aggregate_id, event_type, payload, created_at, traceparent, tracestate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		`, s.table), m.ID.String(), m.Module, m.AggregateType, m.AggregateID, m.EventType, []byte(m.Payload), m.CreatedAt, m.Traceparent, m.Tracestate)
		if err != nil {
			return fmt.Errorf("insert outbox message %s: %w", m.ID, err)
		}
	}
	return nil
}

const selectColumns = `id::text, module, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at,
	COALESCE(error_message, ''), retry_count, COALESCE(traceparent, ''), COALESCE(tracestate, '')`

func (s *PGStore) ClaimPending(ctx context.Context, q db.Querier, limit, maxRetries int) ([]Message, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE processed_at IS NULL AND retry_count < $2
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, selectColumns, s.table), limit, maxRetries)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PGStore) MarkProcessed(ctx context.Context, q db.Querier, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET processed_at = $2, error_message = NULL
		WHERE id = ANY($1::uuid[]) AND processed_at IS NULL
	`, s.table), uuidStrings(ids), at)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, q db.Querier, id uuid.UUID, reason string) error {
	_, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1, error_message = $2
		WHERE id = $1 AND processed_at IS NULL
	`, s.table), id.String(), truncateReason(reason))
	return err
}

func (s *PGStore) MarkDead(ctx context.Context, q db.Querier, id uuid.UUID, reason string, maxRetries int) error {
	_, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET retry_count = GREATEST(retry_count + 1, $3), error_message = $2
		WHERE id = $1 AND processed_at IS NULL
	`, s.table), id.String(), truncateReason(reason), maxRetries)
	return err
}

func (s *PGStore) ListDead(ctx context.Context, q db.Querier, maxRetries, limit int) ([]Message, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY created_at, id
		LIMIT $2
	`, selectColumns, s.table), maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PGStore) Requeue(ctx context.Context, q db.Querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET retry_count = 0, error_message = NULL
		WHERE id = $1 AND processed_at IS NULL
	`, s.table), id.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PGStore) Stats(ctx context.Context, q db.Querier, maxRetries int) (Stats, error) {
	var st Stats
	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1)
		FROM %s
		WHERE processed_at IS NULL
	`, s.table), maxRetries).Scan(&st.Pending, &st.Dead)
	return st, err
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &m.Module, &m.AggregateType, &m.AggregateID, &m.EventType, &payload,
			&m.CreatedAt, &m.ProcessedAt, &m.ErrorMessage, &m.RetryCount, &m.Traceparent, &m.Tracestate); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("outbox row id %q: %w", id, err)
		}
		m.ID = parsed
		m.Payload = payload
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
