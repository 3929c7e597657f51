package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

type orderPlaced struct {
	OrderID  uuid.UUID `json:"order_id"`
	Total    int64     `json:"total_cents"`
	Currency string    `json:"currency"`
	PlacedAt time.Time `json:"placed_at"`
}

func (orderPlaced) EventType() string { return "orders.OrderPlacedIntegrationEvent.v1" }

type orderCancelled struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
	Lines   []string  `json:"lines"`
}

func (orderCancelled) EventType() string { return "orders.OrderCancelled.v1" }

type order struct {
	Root
	id uuid.UUID
}

func (o *order) AggregateID() uuid.UUID { return o.id }
func (o *order) AggregateType() string  { return "order" }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, Register[orderPlaced](r))
	require.NoError(t, Register[orderCancelled](r))
	return r
}

func TestRegistryRoundTrip(t *testing.T) {
	r := testRegistry(t)
	samples := map[string]Event{
		orderPlaced{}.EventType(): orderPlaced{
			OrderID:  uuid.New(),
			Total:    12999,
			Currency: "EUR",
			PlacedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		orderCancelled{}.EventType(): orderCancelled{OrderID: uuid.New(), Reason: "customer", Lines: []string{"a", "b"}},
	}

	for _, eventType := range r.Types() {
		sample, ok := samples[eventType]
		require.True(t, ok, "no sample for %s", eventType)

		payload, err := r.Encode(sample)
		require.NoError(t, err)
		decoded, err := r.Decode(eventType, payload)
		require.NoError(t, err)
		assert.Equal(t, sample, decoded)
	}
}

func TestRegistryRejectsUnknownAndMalformed(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Decode("billing.InvoicePaid.v1", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownEventType)
	assert.True(t, retry.IsPermanent(err))

	_, err = r.Decode(orderPlaced{}.EventType(), []byte(`{"order_id": 42`))
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.True(t, retry.IsPermanent(err))

	_, err = r.Decode(orderPlaced{}.EventType(), nil)
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = r.Encode(Raw{Type: "billing.InvoicePaid.v1"})
	require.ErrorIs(t, err, ErrUnknownEventType)

	err = Register[orderPlaced](r)
	require.ErrorIs(t, err, ErrDuplicateEventType)
}

func TestRegisterRaw(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterRaw("billing.InvoicePaid.v1"))

	evt, err := r.Decode("billing.InvoicePaid.v1", []byte(`{"invoice":"inv_1"}`))
	require.NoError(t, err)
	raw, ok := evt.(Raw)
	require.True(t, ok)
	assert.JSONEq(t, `{"invoice":"inv_1"}`, string(raw.Body))

	payload, err := r.Encode(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoice":"inv_1"}`, string(payload))

	_, err = r.Decode("billing.InvoicePaid.v1", []byte(`[1,2]`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestValidateType(t *testing.T) {
	require.NoError(t, ValidateType("orders.OrderPlaced.v1"))
	for _, bad := range []string{"", "OrderPlaced", "orders..v1", " orders.X", "orders.Order Placed"} {
		assert.True(t, errors.Is(ValidateType(bad), ErrInvalidEventType), bad)
	}
}

func TestAggregateRootCollectsAndClears(t *testing.T) {
	o := &order{id: uuid.New()}
	var agg Aggregate = o

	o.Raise(orderCancelled{OrderID: o.id})
	o.Raise(orderCancelled{OrderID: o.id, Reason: "again"})
	pending := agg.PendingEvents()
	require.Len(t, pending, 2)

	pending[0] = nil
	assert.NotNil(t, agg.PendingEvents()[0], "callers get a copy")

	agg.ClearEvents()
	assert.Empty(t, agg.PendingEvents())
}

func TestEnvelopeValidateAndDecode(t *testing.T) {
	r := testRegistry(t)
	payload, err := json.Marshal(orderCancelled{OrderID: uuid.New()})
	require.NoError(t, err)

	env := Envelope{ID: uuid.New(), Type: orderCancelled{}.EventType(), Payload: payload, OccurredAt: time.Now()}
	require.NoError(t, env.Validate())
	evt, err := env.Decode(r)
	require.NoError(t, err)
	assert.IsType(t, orderCancelled{}, evt)

	require.ErrorIs(t, Envelope{Type: "orders.X.v1", Payload: payload}.Validate(), ErrInvalidEnvelope)
}

func TestTopicAndQueueNames(t *testing.T) {
	cases := map[string]string{
		"orders.OrderPlacedIntegrationEvent.v1": "orders.order-placed.v1",
		"orders.OrderCancelled.v1":              "orders.order-cancelled.v1",
		"billing.subscription.activated.v1":     "billing.subscription.activated.v1",
		"catalog.HTTPPriceSyncedEvent":          "catalog.http-price-synced",
		"stock_keeping.ItemReserved2Event.v2":   "stock-keeping.item-reserved2.v2",
	}
	for in, want := range cases {
		assert.Equal(t, want, TopicName(in), in)
	}
	assert.Equal(t, "shipping.orders.order-placed.v1", QueueName("Shipping", "orders.OrderPlacedIntegrationEvent.v1"))
	assert.Equal(t, "orders", ModuleOf("orders.OrderPlaced.v1"))
}
