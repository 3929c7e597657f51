package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a single-key lease. The holder refreshes the TTL on every TryLock;
// a holder that stops refreshing loses the lease when the TTL runs out.
type Redis struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	token string

	mu   sync.Mutex
	held bool
}

var _ Locker = (*Redis)(nil)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedis(rdb redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "msgcore:relay"
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl, token: uuid.NewString()}
}

func (l *Redis) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return false, err
		}
		if n == 1 {
			return true, nil
		}
		l.held = false
	}

	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	l.held = ok
	return ok, nil
}

func (l *Redis) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// RedisReadyCheck pings the lock backend.
func RedisReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
