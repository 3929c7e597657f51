// Package eventbus moves envelopes from relays to consumer handlers. The
// in-process bus serves development and tests; the Kafka and RabbitMQ buses
// add durable routing, retries and dead-lettering. Application code only sees
// Bus, so switching implementations is a wiring change.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/md-rashed-zaman/msgcore/libs/config"
	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

// Handler processes one delivered envelope. Returning an error marked with
// retry.Permanent skips the remaining retries.
type Handler func(ctx context.Context, env events.Envelope) error

type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

type Bus interface {
	Publisher
	// Subscribe binds consumer to eventType. Broker buses only accept
	// subscriptions before Start.
	Subscribe(eventType, consumer string, h Handler) error
	Start(ctx context.Context) error
	Close() error
}

var (
	// ErrUnavailable means the bus refused the publish without trying, for
	// example because its circuit is open. Callers should back off instead of
	// counting a delivery failure.
	ErrUnavailable           = errors.New("event bus unavailable")
	ErrStarted               = errors.New("event bus already started")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	// ErrUnroutable means the broker accepted the publish but no queue is
	// bound for it. The publish counts as failed and is retried.
	ErrUnroutable = errors.New("event not routed to any queue")
)

type Kind string

const (
	KindInProcess Kind = "inproc"
	KindKafka     Kind = "kafka"
	KindRabbitMQ  Kind = "rabbitmq"
)

// RetryPolicy is applied by broker consumers before dead-lettering.
// Attempt n waits InitialInterval + (n-1)*IntervalIncrement.
type RetryPolicy struct {
	MaxRetryCount     int
	InitialInterval   time.Duration
	IntervalIncrement time.Duration
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type Config struct {
	Kind Kind

	Brokers []string // kafka
	URL     string   // rabbitmq
	// Exchange is the RabbitMQ topic exchange every event is published to.
	Exchange string

	Retry                  RetryPolicy
	PrefetchCount          int
	ConcurrentMessageLimit int
	Breaker                BreakerConfig
}

func (c *Config) normalize() {
	if c.Kind == "" {
		c.Kind = KindInProcess
	}
	if c.Exchange == "" {
		c.Exchange = "msgcore.events"
	}
	if c.Retry.MaxRetryCount < 0 {
		c.Retry.MaxRetryCount = 0
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 16
	}
	if c.ConcurrentMessageLimit <= 0 {
		c.ConcurrentMessageLimit = 4
	}
	if c.ConcurrentMessageLimit > c.PrefetchCount {
		c.ConcurrentMessageLimit = c.PrefetchCount
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Kind:     Kind(strings.ToLower(config.String("EVENT_BUS", string(KindInProcess)))),
		Brokers:  config.List("KAFKA_BROKERS", ""),
		URL:      config.String("RABBITMQ_URL", ""),
		Exchange: config.String("RABBITMQ_EXCHANGE", "msgcore.events"),
		Breaker: BreakerConfig{
			Enabled: config.Bool("EVENT_BUS_BREAKER", true),
		},
	}
	var err error
	if cfg.Retry.MaxRetryCount, err = config.Int("EVENT_BUS_MAX_RETRY_COUNT", 3); err != nil {
		return Config{}, err
	}
	if cfg.Retry.InitialInterval, err = config.Duration("EVENT_BUS_INITIAL_INTERVAL", 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.Retry.IntervalIncrement, err = config.Duration("EVENT_BUS_INTERVAL_INCREMENT", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PrefetchCount, err = config.Int("EVENT_BUS_PREFETCH_COUNT", 16); err != nil {
		return Config{}, err
	}
	if cfg.ConcurrentMessageLimit, err = config.Int("EVENT_BUS_CONCURRENT_MESSAGE_LIMIT", 4); err != nil {
		return Config{}, err
	}
	threshold, err := config.Int("EVENT_BUS_BREAKER_FAILURES", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.Breaker.FailureThreshold = uint32(threshold)
	if cfg.Breaker.OpenTimeout, err = config.Duration("EVENT_BUS_BREAKER_OPEN_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// New builds the bus selected by cfg.Kind, wrapped in a circuit breaker when
// enabled.
func New(cfg Config, logger *slog.Logger) (Bus, error) {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}

	var (
		bus Bus
		err error
	)
	switch cfg.Kind {
	case KindInProcess:
		bus = NewInProcess(logger)
	case KindKafka:
		bus, err = NewKafka(cfg, logger)
	case KindRabbitMQ:
		bus, err = NewRabbitMQ(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown event bus %q (want inproc, kafka or rabbitmq)", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Enabled && cfg.Kind != KindInProcess {
		bus = WithBreaker(bus, string(cfg.Kind), cfg.Breaker, logger)
	}
	return bus, nil
}

// safeCall turns a handler panic into an error.
func safeCall(ctx context.Context, h Handler, env events.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, env)
}

// deliver runs h under the retry policy. It returns the last error once the
// policy is exhausted, the error is permanent, or ctx ends.
func deliver(ctx context.Context, policy RetryPolicy, h Handler, env events.Envelope, logger *slog.Logger) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := safeCall(ctx, h, env)
		if err != nil && retry.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&retry.Incremental{
			Initial:   policy.InitialInterval,
			Increment: policy.IntervalIncrement,
		}),
		backoff.WithMaxTries(uint(policy.MaxRetryCount+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("event handler failed, retrying",
				"event_id", env.ID.String(),
				"event_type", env.Type,
				"attempt", attempt,
				"retry_in", next.String(),
				"err", err,
			)
		}),
	)
	return err
}
