//go:build integration

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

func rabbitURL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate rabbitmq container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	return url
}

func newRabbit(t *testing.T, url string, prefetch, concurrency int) *RabbitMQ {
	t.Helper()
	bus, err := NewRabbitMQ(Config{
		Kind:                   KindRabbitMQ,
		URL:                    url,
		PrefetchCount:          prefetch,
		ConcurrentMessageLimit: concurrency,
		Retry:                  RetryPolicy{MaxRetryCount: 1, InitialInterval: 10 * time.Millisecond},
	}, discardLogger())
	require.NoError(t, err)
	return bus
}

// inspect opens a side channel for looking at queues directly.
func inspect(t *testing.T, url string) *amqp.Channel {
	t.Helper()
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func TestRabbitMQUnroutablePublishFails(t *testing.T) {
	url := rabbitURL(t)
	bus := newRabbit(t, url, 0, 0)
	t.Cleanup(func() { _ = bus.Close() })

	err := bus.Publish(context.Background(), envelope(orderPlaced))
	require.ErrorIs(t, err, ErrUnroutable)
	assert.False(t, retry.IsPermanent(err), "the relay retries once a queue is bound")

	// Once a consumer has declared its queue the same event goes through.
	require.NoError(t, bus.Subscribe(orderPlaced, "shipping", func(context.Context, events.Envelope) error { return nil }))
	require.NoError(t, bus.Start(context.Background()))
	require.NoError(t, bus.Publish(context.Background(), envelope(orderPlaced)))
}

func TestRabbitMQAcksAndDeadLetters(t *testing.T) {
	url := rabbitURL(t)
	bus := newRabbit(t, url, 8, 2)
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	poison := envelope(orderPlaced)
	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	require.NoError(t, bus.Subscribe(orderPlaced, "shipping", func(_ context.Context, env events.Envelope) error {
		mu.Lock()
		seen[env.ID]++
		mu.Unlock()
		if env.ID == poison.ID {
			return retry.Permanent(errors.New("address rejected"))
		}
		return nil
	}))
	require.NoError(t, bus.Start(ctx))

	var good []uuid.UUID
	for i := 0; i < 5; i++ {
		env := envelope(orderPlaced)
		good = append(good, env.ID)
		require.NoError(t, bus.Publish(ctx, env))
	}
	require.NoError(t, bus.Publish(ctx, poison))

	ch := inspect(t, url)
	queue := events.QueueName("shipping", orderPlaced)
	var dead amqp.Delivery
	require.Eventually(t, func() bool {
		d, ok, err := ch.Get(queue+".error", true)
		if err != nil || !ok {
			return false
		}
		dead = d
		return true
	}, 30*time.Second, 100*time.Millisecond)
	assert.Equal(t, poison.ID.String(), dead.MessageId)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range good {
			if seen[id] != 1 {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, seen[poison.ID], "permanent errors skip the retry policy")
	mu.Unlock()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	require.NoError(t, err)
	assert.Zero(t, q.Messages, "acked messages leave the queue")
}

func TestRabbitMQPrefetchBoundsAndRequeueOnClose(t *testing.T) {
	url := rabbitURL(t)
	bus := newRabbit(t, url, 3, 3)
	ctx := context.Background()

	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
	)
	require.NoError(t, bus.Subscribe(orderPlaced, "shipping", func(ctx context.Context, _ events.Envelope) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, bus.Start(ctx))
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, envelope(orderPlaced)))
	}

	ch := inspect(t, url)
	queue := events.QueueName("shipping", orderPlaced)
	require.Eventually(t, func() bool { return inFlight.Load() == 3 }, 30*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err == nil && q.Messages == 7
	}, 10*time.Second, 100*time.Millisecond, "prefetch holds back the rest")
	assert.Equal(t, int32(3), maxInFlight.Load())

	require.NoError(t, bus.Close())

	require.Eventually(t, func() bool {
		q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err == nil && q.Messages == 10
	}, 10*time.Second, 100*time.Millisecond, "in-flight messages are requeued on shutdown")

	d, ok, err := ch.Get(queue, false)
	require.NoError(t, err)
	require.True(t, ok)
	_ = d.Ack(false)

	dead, err := ch.QueueDeclarePassive(queue+".error", true, false, false, false, nil)
	require.NoError(t, err)
	assert.Zero(t, dead.Messages, "cancellation is not a failure")
}
