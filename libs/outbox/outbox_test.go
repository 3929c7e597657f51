package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/md-rashed-zaman/msgcore/libs/db/dbtest"
	"github.com/md-rashed-zaman/msgcore/libs/eventbus"
	"github.com/md-rashed-zaman/msgcore/libs/events"
)

type itemAdded struct {
	CartID   uuid.UUID `json:"cart_id"`
	SKU      string    `json:"sku"`
	Quantity int       `json:"quantity"`
}

func (itemAdded) EventType() string { return "carts.ItemAdded.v1" }

type cartCheckedOut struct {
	CartID uuid.UUID `json:"cart_id"`
}

func (cartCheckedOut) EventType() string { return "carts.CartCheckedOut.v1" }

type unregistered struct{}

func (unregistered) EventType() string { return "carts.Unregistered.v1" }

type cart struct {
	events.Root
	id uuid.UUID
}

func (c *cart) AggregateID() uuid.UUID { return c.id }
func (c *cart) AggregateType() string  { return "cart" }

func testRegistry(t *testing.T) *events.Registry {
	t.Helper()
	r := events.NewRegistry()
	require.NoError(t, events.Register[itemAdded](r))
	require.NoError(t, events.Register[cartCheckedOut](r))
	return r
}

type recordingPublisher struct {
	mu        sync.Mutex
	calls     int
	published []events.Envelope
	fail      func(env events.Envelope, call int) error
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		if err := p.fail(env, p.calls); err != nil {
			return err
		}
	}
	p.published = append(p.published, env)
	return nil
}

func (p *recordingPublisher) Published() []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Envelope(nil), p.published...)
}

func (p *recordingPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixedLock struct {
	held     bool
	unlocked int
}

func (l *fixedLock) TryLock(context.Context) (bool, error) { return l.held, nil }
func (l *fixedLock) Unlock(context.Context) error {
	l.unlocked++
	return nil
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seed commits rows directly, one second apart.
func seed(t *testing.T, store *MemoryStore, eventTypes ...string) []Message {
	t.Helper()
	var out []Message
	for i, typ := range eventTypes {
		payload := json.RawMessage(fmt.Sprintf(`{"sku":"sku-%d","quantity":%d}`, i, i+1))
		if typ == "" {
			typ = itemAdded{}.EventType()
		}
		out = append(out, Message{
			ID:            uuid.New(),
			Module:        "carts",
			AggregateType: "cart",
			AggregateID:   uuid.NewString(),
			EventType:     typ,
			Payload:       payload,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, store.Insert(context.Background(), dbtest.NewDB(), out...))
	return out
}

func newTestRelay(t *testing.T, store Store, pub Publisher, cfg RelayConfig) *Relay {
	t.Helper()
	if cfg.Module == "" {
		cfg.Module = "carts"
	}
	return NewRelay(dbtest.NewDB(), store, testRegistry(t), pub, nil, cfg)
}

func TestCaptureIsVisibleOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	capture := NewCapture("carts", testRegistry(t), store, WithClock(func() time.Time { return base }))

	c := &cart{id: uuid.New()}
	c.Raise(itemAdded{CartID: c.id, SKU: "apple", Quantity: 2})
	c.Raise(itemAdded{CartID: c.id, SKU: "pear", Quantity: 1})
	c.Raise(cartCheckedOut{CartID: c.id})

	database := dbtest.NewDB()
	tx, err := database.BeginTx(ctx, pgx.TxOptions{})
	require.NoError(t, err)

	n, err := capture.Capture(ctx, tx, c)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, c.PendingEvents())
	assert.Empty(t, store.All(), "rows must stay invisible until commit")

	require.NoError(t, tx.Commit(ctx))

	rows := store.All()
	require.Len(t, rows, 3)
	var types []string
	for _, m := range rows {
		assert.Equal(t, "carts", m.Module)
		assert.Equal(t, "cart", m.AggregateType)
		assert.Equal(t, c.id.String(), m.AggregateID)
		assert.Equal(t, base, m.CreatedAt)
		assert.True(t, m.Pending())
		assert.Zero(t, m.RetryCount)
		types = append(types, m.EventType)
	}
	assert.Equal(t, []string{"carts.ItemAdded.v1", "carts.ItemAdded.v1", "carts.CartCheckedOut.v1"}, types,
		"rows sharing created_at keep capture order")

	var first itemAdded
	require.NoError(t, json.Unmarshal(rows[0].Payload, &first))
	assert.Equal(t, "apple", first.SKU)
}

func TestCaptureRolledBackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	capture := NewCapture("carts", testRegistry(t), store)

	c := &cart{id: uuid.New()}
	c.Raise(cartCheckedOut{CartID: c.id})

	tx, err := dbtest.NewDB().BeginTx(ctx, pgx.TxOptions{})
	require.NoError(t, err)
	_, err = capture.Capture(ctx, tx, c)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	assert.Empty(t, store.All())
}

func TestCaptureRejectsUnregisteredEvent(t *testing.T) {
	store := NewMemoryStore()
	capture := NewCapture("carts", testRegistry(t), store)

	c := &cart{id: uuid.New()}
	c.Raise(itemAdded{CartID: c.id, SKU: "apple", Quantity: 1})
	c.Raise(unregistered{})

	n, err := capture.Capture(context.Background(), dbtest.NewDB(), c)
	require.ErrorIs(t, err, events.ErrUnknownEventType)
	assert.Zero(t, n)
	assert.Len(t, c.PendingEvents(), 2, "failed capture keeps the events pending")
	assert.Empty(t, store.All())
}

func TestCaptureWithoutEventsWritesNothing(t *testing.T) {
	store := NewMemoryStore()
	capture := NewCapture("carts", testRegistry(t), store)

	n, err := capture.Capture(context.Background(), dbtest.NewDB(), &cart{id: uuid.New()}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.All())
}

func TestCaptureTwiceDoesNotDuplicate(t *testing.T) {
	store := NewMemoryStore()
	capture := NewCapture("carts", testRegistry(t), store)

	c := &cart{id: uuid.New()}
	c.Raise(cartCheckedOut{CartID: c.id})

	_, err := capture.Capture(context.Background(), dbtest.NewDB(), c)
	require.NoError(t, err)
	n, err := capture.Capture(context.Background(), dbtest.NewDB(), c)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, store.All(), 1)
}

func TestCaptureRecordsMetrics(t *testing.T) {
	metrics, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	store := NewMemoryStore()
	capture := NewCapture("carts", testRegistry(t), store, WithCaptureMetrics(metrics))
	c := &cart{id: uuid.New()}
	c.Raise(cartCheckedOut{CartID: c.id})

	n, err := capture.Capture(context.Background(), dbtest.NewDB(), c)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelayPublishesInOrderAndMarksProcessed(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "", "", "carts.CartCheckedOut.v1")
	pub := &recordingPublisher{}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Claimed: 3, Published: 3}, res)

	published := pub.Published()
	require.Len(t, published, 3)
	for i, env := range published {
		assert.Equal(t, rows[i].ID, env.ID, "event id is the row id")
		assert.Equal(t, rows[i].EventType, env.Type)
		assert.Equal(t, "carts", env.Module)
		assert.Equal(t, rows[i].AggregateID, env.PartitionKey)
	}
	for _, m := range store.All() {
		require.NotNil(t, m.ProcessedAt)
	}

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestRelayRetriesTransientFailureOnNextCycle(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "")
	pub := &recordingPublisher{fail: func(_ events.Envelope, call int) error {
		if call == 1 {
			return errors.New("broker timeout")
		}
		return nil
	}}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.DeadLettered)

	m, ok := store.Get(rows[0].ID)
	require.True(t, ok)
	assert.Equal(t, 1, m.RetryCount)
	assert.Equal(t, "broker timeout", m.ErrorMessage)
	assert.True(t, m.Pending())

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	m, _ = store.Get(rows[0].ID)
	assert.NotNil(t, m.ProcessedAt)
	assert.Equal(t, 1, m.RetryCount)
	require.Len(t, pub.Published(), 1)
	assert.Equal(t, rows[0].ID, pub.Published()[0].ID)
}

func TestTruncateReasonCutsOnRuneBoundary(t *testing.T) {
	long := "x" + strings.Repeat("é", 1500)

	got := truncateReason(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxErrorMessageLen)
	assert.Equal(t, maxErrorMessageLen-1, len(got))

	assert.Equal(t, "short", truncateReason("short"))
	assert.Equal(t, "bad\uFFFDbyte", truncateReason("bad\xffbyte"))
	assert.Equal(t, "nul", truncateReason("n\x00ul"))
}

func TestRelayStoresLongMultibyteFailureReason(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "", "")
	reason := "courier rejected: " + strings.Repeat("配送", 700)
	pub := &recordingPublisher{fail: func(env events.Envelope, _ int) error {
		if env.ID == rows[0].ID {
			return errors.New(reason)
		}
		return nil
	}}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Published)

	failed, _ := store.Get(rows[0].ID)
	assert.Equal(t, 1, failed.RetryCount)
	assert.True(t, utf8.ValidString(failed.ErrorMessage))
	assert.True(t, strings.HasPrefix(reason, failed.ErrorMessage))

	ok, _ := store.Get(rows[1].ID)
	assert.NotNil(t, ok.ProcessedAt)
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRelayCountsOnlyCommittedBatches(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	store := NewMemoryStore()
	rows := seed(t, store, "", "")
	pub := &recordingPublisher{}
	database := dbtest.NewDB()
	database.FailCommit(errors.New("connection reset"))
	relay := NewRelay(database, store, testRegistry(t), pub, nil, RelayConfig{Module: "carts", Metrics: metrics})

	res, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Zero(t, counterValue(t, reader, "outbox.messages.published"))
	for _, r := range rows {
		m, _ := store.Get(r.ID)
		assert.True(t, m.Pending(), "a failed commit leaves the batch pending")
	}

	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counterValue(t, reader, "outbox.messages.published"))
	assert.Len(t, pub.Published(), 4)
}

func TestRelayIsolatesMalformedRow(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "", "", "")
	bad := rows[1]
	bad.ID = uuid.New()
	bad.Payload = json.RawMessage(`not json`)
	bad.CreatedAt = rows[0].CreatedAt.Add(time.Millisecond)
	require.NoError(t, store.Insert(context.Background(), dbtest.NewDB(), bad))

	pub := &recordingPublisher{}
	relay := newTestRelay(t, store, pub, RelayConfig{MaxRetries: 5})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Claimed)
	assert.Equal(t, 3, res.Published)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Len(t, pub.Published(), 3)

	m, _ := store.Get(bad.ID)
	assert.True(t, m.Dead(5))
	assert.Equal(t, 5, m.RetryCount)
	assert.Contains(t, m.ErrorMessage, "malformed")

	dead, err := relay.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, bad.ID, dead[0].ID)

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "dead rows are never claimed again")
}

func TestRelayDeadLettersUnknownEventType(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "carts.Retired.v1")
	relay := newTestRelay(t, store, &recordingPublisher{}, RelayConfig{MaxRetries: 3})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	m, _ := store.Get(rows[0].ID)
	assert.True(t, m.Dead(3))
}

func TestRelayExhaustsRetryBudget(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "")
	pub := &recordingPublisher{fail: func(events.Envelope, int) error { return errors.New("connection refused") }}
	relay := newTestRelay(t, store, pub, RelayConfig{MaxRetries: 2})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Claimed: 1, Failed: 1}, res)

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Claimed: 1, Failed: 1, DeadLettered: 1}, res)

	res, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 2, pub.Calls())

	stats, err := relay.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, stats)

	m, _ := store.Get(rows[0].ID)
	assert.Equal(t, 2, m.RetryCount)
}

func TestRelayStopsWhenBusUnavailable(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "", "")
	pub := &recordingPublisher{fail: func(events.Envelope, int) error {
		return fmt.Errorf("publish: %w", eventbus.ErrUnavailable)
	}}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, pub.Calls(), "the rest of the batch is not attempted")

	for _, r := range rows {
		m, _ := store.Get(r.ID)
		assert.Zero(t, m.RetryCount, "an open circuit does not burn retry budget")
		assert.True(t, m.Pending())
	}
}

func TestRelayRecordsPublishedRowsWhenCancelled(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{fail: func(events.Envelope, int) error {
		cancel()
		return nil
	}}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	res, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Published)

	first, _ := store.Get(rows[0].ID)
	second, _ := store.Get(rows[1].ID)
	assert.NotNil(t, first.ProcessedAt, "published before cancellation")
	assert.True(t, second.Pending())
	assert.Zero(t, second.RetryCount)
}

func TestRelaySkipsCycleWithoutLeaderLock(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "")
	pub := &recordingPublisher{}
	database := dbtest.NewDB()
	relay := NewRelay(database, store, testRegistry(t), pub, nil, RelayConfig{Lock: &fixedLock{}})

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Zero(t, pub.Calls())
	assert.Empty(t, database.Transactions())
}

func TestRelayRequeueRestoresDeadRow(t *testing.T) {
	store := NewMemoryStore()
	rows := seed(t, store, "")
	fail := true
	pub := &recordingPublisher{fail: func(events.Envelope, int) error {
		if fail {
			return errors.New("rejected")
		}
		return nil
	}}
	relay := newTestRelay(t, store, pub, RelayConfig{MaxRetries: 1})

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	stats, err := relay.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Dead)

	require.NoError(t, relay.Requeue(context.Background(), rows[0].ID))
	assert.Len(t, relay.wake, 1, "requeue wakes the relay")

	m, _ := store.Get(rows[0].ID)
	assert.Zero(t, m.RetryCount)
	assert.Empty(t, m.ErrorMessage)

	fail = false
	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	err = relay.Requeue(context.Background(), rows[0].ID)
	assert.ErrorIs(t, err, ErrNotFound, "processed rows cannot be requeued")
	assert.ErrorIs(t, relay.Requeue(context.Background(), uuid.New()), ErrNotFound)
}

func TestConcurrentRelaysPublishEachRowOnce(t *testing.T) {
	store := NewMemoryStore()
	types := make([]string, 40)
	seed(t, store, types...)
	pub := &recordingPublisher{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		relay := newTestRelay(t, store, pub, RelayConfig{BatchSize: 3})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := relay.RunOnce(context.Background())
				if err != nil || res.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	// A relay may see an empty claim while others hold the last rows.
	final := newTestRelay(t, store, pub, RelayConfig{BatchSize: 50})
	_, err := final.RunOnce(context.Background())
	require.NoError(t, err)

	seen := make(map[uuid.UUID]int)
	for _, env := range pub.Published() {
		seen[env.ID]++
	}
	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s published %d times", id, n)
	}
}

func TestRelayRunDrainsOnTrigger(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	lk := &fixedLock{held: true}
	relay := newTestRelay(t, store, pub, RelayConfig{PollEvery: time.Hour, Lock: lk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	seed(t, store, "")
	relay.Trigger()
	require.Eventually(t, func() bool { return len(pub.Published()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, 1, lk.unlocked, "the leader lock is released on exit")
}
