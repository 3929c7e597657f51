// Package lock provides leader locks for background loops that must run on
// one instance at a time.
package lock

import (
	"context"
	"hash/fnv"
)

// Locker is a non-blocking, re-entrant leader lock. TryLock returns true while
// the caller holds the lock, refreshing it when needed.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Key maps a lock name onto the int64 space Postgres advisory locks use.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
