package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/rabbitx"
)

// RabbitMQ publishes to one durable topic exchange, routed by topic name.
// Each subscribing module owns a durable queue per event type; rejected
// messages reach "<queue>.error" through the dead-letter exchange.
// Publishes are mandatory: an event no queue is bound for comes back as
// ErrUnroutable instead of being dropped.
type RabbitMQ struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	conn   *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	returns  chan amqp.Return
	retMu    sync.Mutex
	returned map[string]amqp.Return

	mu      sync.Mutex
	subs    []rabbitSubscription
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type rabbitSubscription struct {
	eventType string
	consumer  string
	handler   Handler
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	cfg.normalize()
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq event bus: no url configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if err := rabbitx.DeclareExchange(ch, cfg.Exchange); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		cfg:      cfg,
		logger:   logger.With("component", "eventbus", "bus", string(KindRabbitMQ)),
		tracer:   otel.Tracer("github.com/md-rashed-zaman/msgcore/libs/eventbus"),
		conn:     conn,
		pubCh:    ch,
		returns:  ch.NotifyReturn(make(chan amqp.Return, returnBuffer)),
		returned: make(map[string]amqp.Return),
	}, nil
}

// returnBuffer bounds returns not yet matched to their publish. Each publish
// drains the channel, so it only fills if hundreds of returns go unread.
const returnBuffer = 256

// takeReturn reports whether the broker returned the message with this id.
// The broker sends basic.return before the confirm, so once the confirm has
// arrived any return for the message is already buffered.
func (r *RabbitMQ) takeReturn(messageID string) (amqp.Return, bool) {
	r.retMu.Lock()
	defer r.retMu.Unlock()
drain:
	for {
		select {
		case ret, ok := <-r.returns:
			if !ok {
				break drain
			}
			r.returned[ret.MessageId] = ret
		default:
			break drain
		}
	}
	ret, ok := r.returned[messageID]
	delete(r.returned, messageID)
	return ret, ok
}

// Publish waits for the broker's confirm. A closed connection is reported as
// ErrUnavailable.
func (r *RabbitMQ) Publish(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	msg := rabbitx.Publishing(ctx, env)
	r.pubMu.Lock()
	conf, err := r.pubCh.PublishWithDeferredConfirmWithContext(ctx,
		r.cfg.Exchange, events.TopicName(env.Type), true, false, msg)
	r.pubMu.Unlock()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("rabbitmq publish %s: %w", env.Type, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conf.Done():
	}
	if !conf.Acked() {
		return fmt.Errorf("rabbitmq publish %s: nacked by broker", env.Type)
	}
	if ret, returned := r.takeReturn(msg.MessageId); returned {
		return fmt.Errorf("%w: %s via %q (%d %s)", ErrUnroutable, env.Type, ret.RoutingKey, ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

func (r *RabbitMQ) Subscribe(eventType, consumer string, h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe %s/%s: nil handler", consumer, eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	for _, s := range r.subs {
		if s.eventType == eventType && s.consumer == consumer {
			return fmt.Errorf("%w: %s already handles %s", ErrDuplicateSubscription, consumer, eventType)
		}
	}
	r.subs = append(r.subs, rabbitSubscription{eventType: eventType, consumer: consumer, handler: h})
	return nil
}

// Start declares every subscription's topology and starts
// ConcurrentMessageLimit workers per queue.
func (r *RabbitMQ) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	for _, sub := range r.subs {
		deliveries, ch, err := r.openConsumer(sub)
		if err != nil {
			cancel()
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			<-ctx.Done()
			_ = ch.Close()
		}()
		for i := 0; i < r.cfg.ConcurrentMessageLimit; i++ {
			r.wg.Add(1)
			go func(sub rabbitSubscription) {
				defer r.wg.Done()
				for d := range deliveries {
					r.handle(ctx, sub, d)
				}
			}(sub)
		}
		r.logger.Info("rabbitmq consumer started",
			"consumer", sub.consumer,
			"queue", events.QueueName(sub.consumer, sub.eventType),
		)
	}
	r.started = true
	r.cancel = cancel
	return nil
}

func (r *RabbitMQ) openConsumer(sub rabbitSubscription) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	topo := rabbitx.Topology{
		Exchange:   r.cfg.Exchange,
		Queue:      events.QueueName(sub.consumer, sub.eventType),
		RoutingKey: events.TopicName(sub.eventType),
	}
	if err := rabbitx.Declare(ch, topo); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(r.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq qos: %w", err)
	}
	deliveries, err := ch.Consume(topo.Queue, sub.consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq consume %s: %w", topo.Queue, err)
	}
	return deliveries, ch, nil
}

func (r *RabbitMQ) handle(ctx context.Context, sub rabbitSubscription, d amqp.Delivery) {
	mctx := rabbitx.ExtractTraceContext(ctx, d)
	mctx, span := r.tracer.Start(mctx, "eventbus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", d.RoutingKey),
			attribute.String("messaging.consumer.group.name", sub.consumer),
			attribute.String("messaging.message.id", d.MessageId),
		),
	)
	defer span.End()

	env, err := rabbitx.EnvelopeFromDelivery(d)
	if err == nil {
		err = deliver(mctx, r.cfg.Retry, sub.handler, env, r.logger)
	}
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			r.logger.Warn("rabbitmq ack failed", "event_id", d.MessageId, "err", ackErr)
		}
		return
	}

	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "dead-lettered")
	r.logger.Error("event dead-lettered",
		"consumer", sub.consumer,
		"event_id", d.MessageId,
		"event_type", d.Type,
		"queue", events.QueueName(sub.consumer, sub.eventType)+".error",
		"err", err,
	)
	if nackErr := d.Nack(false, false); nackErr != nil {
		r.logger.Warn("rabbitmq nack failed", "event_id", d.MessageId, "err", nackErr)
	}
}

// Connection is exposed for ready checks.
func (r *RabbitMQ) Connection() *amqp.Connection { return r.conn }

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.pubMu.Lock()
	_ = r.pubCh.Close()
	r.pubMu.Unlock()
	return r.conn.Close()
}
