// Package rabbitx holds the AMQP conventions shared by publishers and
// consumers: envelope mapping, trace propagation and queue topology.
package rabbitx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/md-rashed-zaman/msgcore/libs/events"
)

const headerSourceModule = "source_module"

// Publishing renders an envelope as a persistent AMQP message.
func Publishing(ctx context.Context, env events.Envelope) amqp.Publishing {
	headers := amqp.Table{
		headerSourceModule: env.Module,
		"partition_key":    env.PartitionKey,
	}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID.String(),
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		AppId:        env.Module,
		Headers:      headers,
		Body:         env.Payload,
	}
}

// EnvelopeFromDelivery is the inverse of Publishing.
func EnvelopeFromDelivery(d amqp.Delivery) (events.Envelope, error) {
	id, err := uuid.Parse(d.MessageId)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("%w: message id %q", events.ErrInvalidEnvelope, d.MessageId)
	}
	env := events.Envelope{
		ID:           id,
		Type:         d.Type,
		Payload:      d.Body,
		OccurredAt:   d.Timestamp,
		Module:       headerString(d.Headers, headerSourceModule),
		PartitionKey: headerString(d.Headers, "partition_key"),
	}
	if env.Module == "" {
		env.Module = d.AppId
	}
	return env, env.Validate()
}

// ExtractTraceContext restores the producer's trace from delivery headers.
func ExtractTraceContext(ctx context.Context, d amqp.Delivery) context.Context {
	if d.Headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, tableCarrier(d.Headers))
}

func headerString(t amqp.Table, key string) string {
	v, _ := t[key].(string)
	return v
}

type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) { c[key] = value }

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = tableCarrier{}

// Channel is the subset of *amqp.Channel used to declare topology.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes one consumer queue bound to a topic exchange, with a
// dead-letter exchange routing rejected messages to "<queue>.error".
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
	ErrorTTL   time.Duration
}

func (t Topology) DeadLetterExchange() string { return t.Exchange + ".dlx" }
func (t Topology) ErrorQueue() string         { return t.Queue + ".error" }

// DeclareExchange declares the durable topic exchange events are published to.
func DeclareExchange(ch Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Declare creates the exchange, the dead-letter path and the bound queue.
// Declarations are idempotent.
func Declare(ch Channel, t Topology) error {
	if t.Exchange == "" || t.Queue == "" || t.RoutingKey == "" {
		return errors.New("rabbitx: exchange, queue and routing key are required")
	}
	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}
	dlx := t.DeadLetterExchange()
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", dlx, err)
	}

	var errArgs amqp.Table
	if t.ErrorTTL > 0 {
		errArgs = amqp.Table{"x-message-ttl": max(t.ErrorTTL.Milliseconds(), 1)}
	}
	if _, err := ch.QueueDeclare(t.ErrorQueue(), true, false, false, false, errArgs); err != nil {
		return fmt.Errorf("declare error queue %s: %w", t.ErrorQueue(), err)
	}
	if err := ch.QueueBind(t.ErrorQueue(), t.Queue, dlx, false, nil); err != nil {
		return fmt.Errorf("bind error queue %s: %w", t.ErrorQueue(), err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": t.Queue,
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}
	return nil
}

// ReadyCheck reports a closed connection.
func ReadyCheck(conn func() *amqp.Connection) func(context.Context) error {
	return func(context.Context) error {
		c := conn()
		if c == nil || c.IsClosed() {
			return errors.New("rabbitmq connection closed")
		}
		return nil
	}
}
