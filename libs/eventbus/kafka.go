package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/kafkax"
)

// Kafka publishes each event type to its own topic and runs one consumer
// group per subscribing module. Failed messages go to "<topic>.error" once
// the retry policy is exhausted.
type Kafka struct {
	cfg    Config
	logger *slog.Logger
	writer *kafka.Writer
	tracer trace.Tracer

	mu      sync.Mutex
	subs    []kafkaSubscription
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type kafkaSubscription struct {
	eventType string
	consumer  string
	handler   Handler
}

const kafkaBatchLinger = 50 * time.Millisecond

func NewKafka(cfg Config, logger *slog.Logger) (*Kafka, error) {
	cfg.normalize()
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka event bus: no brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		cfg:    cfg,
		logger: logger.With("component", "eventbus", "bus", string(KindKafka)),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		tracer: otel.Tracer("github.com/md-rashed-zaman/msgcore/libs/eventbus"),
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	msg := kafkax.EnvelopeMessage(events.TopicName(env.Type), env)
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", env.Type, err)
	}
	return nil
}

func (k *Kafka) Subscribe(eventType, consumer string, h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe %s/%s: nil handler", consumer, eventType)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return ErrStarted
	}
	for _, s := range k.subs {
		if s.eventType == eventType && s.consumer == consumer {
			return fmt.Errorf("%w: %s already handles %s", ErrDuplicateSubscription, consumer, eventType)
		}
	}
	k.subs = append(k.subs, kafkaSubscription{eventType: eventType, consumer: consumer, handler: h})
	return nil
}

func (k *Kafka) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return ErrStarted
	}
	k.started = true

	ctx, k.cancel = context.WithCancel(ctx)
	for _, sub := range k.subs {
		k.wg.Add(1)
		go func(sub kafkaSubscription) {
			defer k.wg.Done()
			k.consume(ctx, sub)
		}(sub)
	}
	return nil
}

func (k *Kafka) newReader(sub kafkaSubscription) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:       k.cfg.Brokers,
		GroupID:       sub.consumer,
		Topic:         events.TopicName(sub.eventType),
		QueueCapacity: k.cfg.PrefetchCount,
		MinBytes:      1,
		MaxBytes:      10e6,
	})
}

// consume fetches up to PrefetchCount messages, handles them with at most
// ConcurrentMessageLimit in flight, and commits the batch once every message
// is settled. A batch that could not be settled is not committed; the reader
// is recreated so the group resumes from the last committed offset.
func (k *Kafka) consume(ctx context.Context, sub kafkaSubscription) {
	log := k.logger.With("consumer", sub.consumer, "event_type", sub.eventType)
	log.Info("kafka consumer started", "topic", events.TopicName(sub.eventType))

	reader := k.newReader(sub)
	defer func() { _ = reader.Close() }()

	for {
		batch, err := k.fetchBatch(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("kafka consumer stopped")
				return
			}
			log.Error("kafka fetch failed", "err", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		var (
			g       errgroup.Group
			settled = true
			mu      sync.Mutex
		)
		g.SetLimit(k.cfg.ConcurrentMessageLimit)
		for _, msg := range batch {
			g.Go(func() error {
				if err := k.handle(ctx, sub, msg); err != nil {
					mu.Lock()
					settled = false
					mu.Unlock()
					log.Error("kafka message not settled", "partition", msg.Partition, "offset", msg.Offset, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return
		}
		if !settled {
			_ = reader.Close()
			if !sleepCtx(ctx, time.Second) {
				return
			}
			reader = k.newReader(sub)
			continue
		}
		if err := reader.CommitMessages(ctx, batch...); err != nil {
			log.Error("kafka commit failed", "err", err)
		}
	}
}

func (k *Kafka) fetchBatch(ctx context.Context, reader *kafka.Reader) ([]kafka.Message, error) {
	first, err := reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}
	for len(batch) < k.cfg.PrefetchCount {
		lctx, cancel := context.WithTimeout(ctx, kafkaBatchLinger)
		msg, err := reader.FetchMessage(lctx)
		cancel()
		if err != nil {
			break
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// handle returns an error only when the message must not be committed.
func (k *Kafka) handle(ctx context.Context, sub kafkaSubscription, msg kafka.Message) error {
	mctx := kafkax.ExtractTraceContext(ctx, msg)
	mctx, span := k.tracer.Start(mctx, "eventbus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.consumer.group.name", sub.consumer),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	env, err := kafkax.EnvelopeFromMessage(msg)
	if err == nil {
		span.SetAttributes(attribute.String("messaging.message.id", env.ID.String()))
		err = deliver(mctx, k.cfg.Retry, sub.handler, env, k.logger)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "dead-lettered")
	return k.deadLetter(ctx, sub, msg, err)
}

func (k *Kafka) deadLetter(ctx context.Context, sub kafkaSubscription, msg kafka.Message, cause error) error {
	dlq := kafka.Message{
		Topic: msg.Topic + ".error",
		Key:   msg.Key,
		Value: msg.Value,
		Time:  msg.Time,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: kafkax.HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: kafkax.HeaderConsumer, Value: []byte(sub.consumer)},
		),
	}
	if err := k.writer.WriteMessages(ctx, dlq); err != nil {
		return fmt.Errorf("dead-letter to %s: %w", dlq.Topic, err)
	}
	meta := kafkax.ExtractEventMeta(msg)
	k.logger.Error("event dead-lettered",
		"consumer", sub.consumer,
		"event_id", meta.EventID,
		"event_type", meta.EventType,
		"topic", dlq.Topic,
		"err", cause,
	)
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	k.wg.Wait()
	return k.writer.Close()
}

func (k *Kafka) Brokers() []string { return k.cfg.Brokers }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
