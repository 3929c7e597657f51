package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/msgcore/libs/db/dbtest"
)

func (s *MemoryStore) lockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *MemoryStore) lockRefs(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kl, ok := s.locks[key]; ok {
		return kl.refs
	}
	return 0
}

func begin(t *testing.T, database *dbtest.DB) pgx.Tx {
	t.Helper()
	tx, err := database.BeginTx(context.Background(), pgx.TxOptions{})
	require.NoError(t, err)
	return tx
}

func TestMemoryLockIsDroppedWhenReleased(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	database := dbtest.NewDB()

	for i := 0; i < 50; i++ {
		tx := begin(t, database)
		require.NoError(t, store.Lock(ctx, tx, uuid.New(), "shipping"))
		require.NoError(t, tx.Commit(ctx))
	}
	assert.Zero(t, store.lockCount())
}

func TestMemoryLockHandsOverToWaiter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	database := dbtest.NewDB()
	id := uuid.New()
	key := lockKey(id, "shipping")

	first := begin(t, database)
	require.NoError(t, store.Lock(ctx, first, id, "shipping"))

	second := begin(t, database)
	done := make(chan error, 1)
	go func() { done <- store.Lock(ctx, second, id, "shipping") }()

	require.Eventually(t, func() bool { return store.lockRefs(key) == 2 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("second transaction took a held lock")
	default:
	}

	require.NoError(t, first.Commit(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, 1, store.lockCount())

	require.NoError(t, second.Rollback(ctx))
	assert.Zero(t, store.lockCount())
}

func TestMemoryLockCancelledWaiterLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	database := dbtest.NewDB()
	id := uuid.New()

	holder := begin(t, database)
	require.NoError(t, store.Lock(ctx, holder, id, "shipping"))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := store.Lock(cctx, begin(t, database), id, "shipping")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.lockRefs(lockKey(id, "shipping")))

	require.NoError(t, holder.Commit(ctx))
	assert.Zero(t, store.lockCount())
}
