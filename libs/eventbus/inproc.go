package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/md-rashed-zaman/msgcore/libs/events"
)

// InProcess fans an envelope out to local handlers, sequentially, in the
// publisher's goroutine. Nothing is persisted or retried.
type InProcess struct {
	logger    *slog.Logger
	propagate bool

	mu   sync.Mutex
	subs map[string][]subscription
}

type subscription struct {
	consumer string
	handler  Handler
}

type InProcessOption func(*InProcess)

// WithPropagateErrors makes Publish return the joined handler errors, so an
// outbox relay keeps the row pending and retries it.
func WithPropagateErrors() InProcessOption {
	return func(b *InProcess) { b.propagate = true }
}

func NewInProcess(logger *slog.Logger, opts ...InProcessOption) *InProcess {
	if logger == nil {
		logger = slog.Default()
	}
	b := &InProcess{
		logger: logger.With("component", "eventbus", "bus", string(KindInProcess)),
		subs:   make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *InProcess) Subscribe(eventType, consumer string, h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe %s/%s: nil handler", consumer, eventType)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[eventType] {
		if s.consumer == consumer {
			return fmt.Errorf("%w: %s already handles %s", ErrDuplicateSubscription, consumer, eventType)
		}
	}
	b.subs[eventType] = append(b.subs[eventType], subscription{consumer: consumer, handler: h})
	return nil
}

// Unsubscribe removes consumer's handler for eventType and reports whether
// one was registered.
func (b *InProcess) Unsubscribe(eventType, consumer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s.consumer != consumer {
			continue
		}
		rest := append(append([]subscription(nil), subs[:i]...), subs[i+1:]...)
		if len(rest) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = rest
		}
		return true
	}
	return false
}

// Publish invokes every handler subscribed to env.Type. A failing or
// panicking handler is logged and does not stop the others.
func (b *InProcess) Publish(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[env.Type]...)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := safeCall(ctx, s.handler, env); err != nil {
			b.logger.Error("event handler failed",
				"consumer", s.consumer,
				"event_id", env.ID.String(),
				"event_type", env.Type,
				"err", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.consumer, err))
		}
	}
	if b.propagate {
		return errors.Join(errs...)
	}
	return nil
}

func (b *InProcess) Start(context.Context) error { return nil }

func (b *InProcess) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
	return nil
}
