package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

// Breaker stops calling a failing broker after FailureThreshold consecutive
// transport errors and reports ErrUnavailable until OpenTimeout passes.
// Permanent errors are the message's fault and do not count.
type Breaker struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Publisher, name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "eventbus." + name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || retry.IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("event bus circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Publish(ctx context.Context, env events.Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (b *Breaker) State() string { return b.cb.State().String() }

type breakerBus struct {
	Bus
	breaker *Breaker
}

// WithBreaker guards bus.Publish; subscriptions pass through untouched.
func WithBreaker(bus Bus, name string, cfg BreakerConfig, logger *slog.Logger) Bus {
	return &breakerBus{Bus: bus, breaker: NewBreaker(bus, name, cfg, logger)}
}

func (b *breakerBus) Publish(ctx context.Context, env events.Envelope) error {
	return b.breaker.Publish(ctx, env)
}

// Unwrap exposes the guarded bus, for ready checks that need the concrete type.
func (b *breakerBus) Unwrap() Bus { return b.Bus }
