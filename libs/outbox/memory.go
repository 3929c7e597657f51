package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

// MemoryStore is an in-process Store for development and tests. Writes made
// through a transaction implementing db.TxCallbacks become visible on commit,
// and claimed rows stay invisible to other claimers until that transaction
// ends.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]Message
	staged  map[uuid.UUID]struct{}
	claimed map[uuid.UUID]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[uuid.UUID]Message),
		staged:  make(map[uuid.UUID]struct{}),
		claimed: make(map[uuid.UUID]struct{}),
	}
}

func (s *MemoryStore) EnsureSchema(context.Context, db.Querier) error { return nil }

func (s *MemoryStore) Insert(_ context.Context, q db.Querier, msgs ...Message) error {
	s.mu.Lock()
	for _, m := range msgs {
		if _, ok := s.rows[m.ID]; ok {
			s.mu.Unlock()
			return fmt.Errorf("insert outbox message %s: duplicate id", m.ID)
		}
		if _, ok := s.staged[m.ID]; ok {
			s.mu.Unlock()
			return fmt.Errorf("insert outbox message %s: duplicate id", m.ID)
		}
	}
	for _, m := range msgs {
		s.staged[m.ID] = struct{}{}
	}
	s.mu.Unlock()

	rows := append([]Message(nil), msgs...)
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, m := range rows {
			delete(s.staged, m.ID)
		}
	}
	db.AtTxEnd(q, release)
	db.AfterCommit(q, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, m := range rows {
			delete(s.staged, m.ID)
			m.ProcessedAt = nil
			m.RetryCount = 0
			m.ErrorMessage = ""
			s.rows[m.ID] = m
		}
	})
	return nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, q db.Querier, limit, maxRetries int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.sortedLocked() {
		if len(out) == limit {
			break
		}
		if !m.Pending() || m.RetryCount >= maxRetries {
			continue
		}
		if _, taken := s.claimed[m.ID]; taken {
			continue
		}
		out = append(out, m)
	}

	ids := make([]uuid.UUID, 0, len(out))
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	if db.AtTxEnd(q, func() { s.unclaim(ids) }) {
		for _, id := range ids {
			s.claimed[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *MemoryStore) unclaim(ids []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.claimed, id)
	}
}

func (s *MemoryStore) MarkProcessed(_ context.Context, q db.Querier, ids []uuid.UUID, at time.Time) error {
	s.update(q, ids, func(m *Message) {
		t := at
		m.ProcessedAt = &t
		m.ErrorMessage = ""
	})
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, q db.Querier, id uuid.UUID, reason string) error {
	s.update(q, []uuid.UUID{id}, func(m *Message) {
		m.RetryCount++
		m.ErrorMessage = truncateReason(reason)
	})
	return nil
}

func (s *MemoryStore) MarkDead(_ context.Context, q db.Querier, id uuid.UUID, reason string, maxRetries int) error {
	s.update(q, []uuid.UUID{id}, func(m *Message) {
		m.RetryCount = max(m.RetryCount+1, maxRetries)
		m.ErrorMessage = truncateReason(reason)
	})
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, q db.Querier, id uuid.UUID) error {
	s.mu.Lock()
	m, ok := s.rows[id]
	s.mu.Unlock()
	if !ok || !m.Pending() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.update(q, []uuid.UUID{id}, func(m *Message) {
		m.RetryCount = 0
		m.ErrorMessage = ""
	})
	return nil
}

// update applies fn to unprocessed rows once q commits.
func (s *MemoryStore) update(q db.Querier, ids []uuid.UUID, fn func(*Message)) {
	db.AfterCommit(q, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range ids {
			m, ok := s.rows[id]
			if !ok || !m.Pending() {
				continue
			}
			fn(&m)
			s.rows[id] = m
		}
	})
}

func (s *MemoryStore) ListDead(_ context.Context, _ db.Querier, maxRetries, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.sortedLocked() {
		if len(out) == limit {
			break
		}
		if m.Dead(maxRetries) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, _ db.Querier, maxRetries int) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, m := range s.rows {
		switch {
		case m.Dead(maxRetries):
			st.Dead++
		case m.Pending():
			st.Pending++
		}
	}
	return st, nil
}

// Get returns a committed row.
func (s *MemoryStore) Get(id uuid.UUID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	return m, ok
}

// All returns committed rows in relay order.
func (s *MemoryStore) All() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *MemoryStore) sortedLocked() []Message {
	out := make([]Message, 0, len(s.rows))
	for _, m := range s.rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
