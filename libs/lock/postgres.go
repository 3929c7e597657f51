package lock

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/md-rashed-zaman/msgcore/libs/db"
)

// PGAdvisory holds a session-level advisory lock on a dedicated pooled
// connection. Losing the connection releases the lock server-side, which the
// next TryLock notices.
type PGAdvisory struct {
	pool *db.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

var _ Locker = (*PGAdvisory)(nil)

func NewPGAdvisory(pool *db.Pool, name string) *PGAdvisory {
	return &PGAdvisory{pool: pool, key: Key(name)}
}

func (l *PGAdvisory) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisory) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
	return err
}
