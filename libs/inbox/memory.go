package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

// MemoryStore is an in-process Store for development and tests. Locks and
// inserts are tied to transactions implementing db.TxCallbacks.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	staged  map[string]struct{}
	locks   map[string]*keyLock
}

// keyLock is dropped from the map once nobody holds or waits for it.
type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		staged:  make(map[string]struct{}),
		locks:   make(map[string]*keyLock),
	}
}

func (s *MemoryStore) EnsureSchema(context.Context, db.Querier) error { return nil }

// Lock blocks until the key is free. Outside a transaction there is nothing
// to hold the lock until, so it is a no-op.
func (s *MemoryStore) Lock(ctx context.Context, q db.Querier, eventID uuid.UUID, module string) error {
	if _, ok := q.(db.TxCallbacks); !ok {
		return nil
	}
	key := lockKey(eventID, module)

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(key, kl)
		return ctx.Err()
	}
	db.AtTxEnd(q, func() {
		<-kl.ch
		s.unref(key, kl)
	})
	return nil
}

func (s *MemoryStore) unref(key string, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

func (s *MemoryStore) Exists(_ context.Context, _ db.Querier, eventID uuid.UUID, module string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[lockKey(eventID, module)]
	return ok, nil
}

func (s *MemoryStore) Insert(_ context.Context, q db.Querier, e Entry) (bool, error) {
	key := lockKey(e.EventID, e.Module)

	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return false, nil
	}
	if _, ok := s.staged[key]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.staged[key] = struct{}{}
	s.mu.Unlock()

	db.AtTxEnd(q, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.staged, key)
	})
	db.AfterCommit(q, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.staged, key)
		s.entries[key] = e
	})
	return true, nil
}

func (s *MemoryStore) Purge(_ context.Context, q db.Querier, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	var keys []string
	for k, e := range s.entries {
		if e.ProcessedAt.Before(olderThan) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	db.AfterCommit(q, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range keys {
			delete(s.entries, k)
		}
	})
	return int64(len(keys)), nil
}

// Entries returns committed entries.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}
