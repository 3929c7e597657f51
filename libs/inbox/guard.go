package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
	"github.com/md-rashed-zaman/msgcore/libs/uow"
)

// Outcome describes what the guard did with a delivery.
type Outcome struct {
	// AlreadyProcessed is set when the effect was skipped, or undone because a
	// concurrent delivery of the same event committed first.
	AlreadyProcessed bool
}

// Effect is the consumer's work. Writes go through s.Tx() and aggregates
// passed to s.Track have their events captured in the same transaction.
type Effect func(ctx context.Context, s *uow.Scope) error

var errLostRace = errors.New("inbox entry written by a concurrent delivery")

type Guard struct {
	runner  *uow.Runner
	store   Store
	module  string
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

type GuardOption func(*Guard)

func WithMetrics(m *Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

func NewGuard(runner *uow.Runner, store Store, module string, logger *slog.Logger, opts ...GuardOption) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		runner: runner,
		store:  store,
		module: module,
		logger: logger.With("component", "inbox_guard", "module", module),
		tracer: otel.Tracer("github.com/md-rashed-zaman/msgcore/libs/inbox"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Module() string { return g.module }

// RunIfNotProcessed runs effect at most once per event id for this module.
// The lock, the existence check, the effect and the inbox entry share one
// unit of work: an effect error leaves no entry, so a redelivery retries it.
func (g *Guard) RunIfNotProcessed(ctx context.Context, env events.Envelope, effect Effect) (out Outcome, err error) {
	if err := env.Validate(); err != nil {
		return out, retry.Permanent(err)
	}

	ctx, span := g.tracer.Start(ctx, "inbox.guard",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID.String()),
			attribute.String("messaging.event_type", env.Type),
			attribute.String("messaging.consumer.module", g.module),
		))
	defer func() {
		span.SetAttributes(attribute.Bool("inbox.already_processed", out.AlreadyProcessed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "inbox guard failed")
		}
		span.End()
	}()

	err = g.runner.Command(ctx, func(ctx context.Context, s *uow.Scope) error {
		out = Outcome{}
		tx := s.Tx()

		if err := g.store.Lock(ctx, tx, env.ID, g.module); err != nil {
			return fmt.Errorf("lock inbox entry: %w", err)
		}
		done, err := g.store.Exists(ctx, tx, env.ID, g.module)
		if err != nil {
			return fmt.Errorf("check inbox entry: %w", err)
		}
		if done {
			out.AlreadyProcessed = true
			return nil
		}

		if err := effect(ctx, s); err != nil {
			return err
		}

		inserted, err := g.store.Insert(ctx, tx, Entry{
			EventID:     env.ID,
			EventType:   env.Type,
			Module:      g.module,
			ProcessedAt: g.now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			out.AlreadyProcessed = true
			return retry.Permanent(errLostRace)
		}
		return nil
	})

	switch {
	case errors.Is(err, errLostRace):
		g.logger.Info("concurrent delivery won, effect rolled back",
			"event_id", env.ID.String(),
			"event_type", env.Type,
		)
		g.metrics.addDuplicate(ctx, g.module, env.Type)
		return Outcome{AlreadyProcessed: true}, nil
	case err != nil:
		return Outcome{}, err
	case out.AlreadyProcessed:
		g.logger.Debug("duplicate delivery skipped",
			"event_id", env.ID.String(),
			"event_type", env.Type,
		)
		g.metrics.addDuplicate(ctx, g.module, env.Type)
	default:
		g.metrics.addProcessed(ctx, g.module, env.Type)
	}
	return out, nil
}

// Metrics holds the inbox instruments. A nil *Metrics records nothing.
type Metrics struct {
	processed  metric.Int64Counter
	duplicates metric.Int64Counter
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("github.com/md-rashed-zaman/msgcore/libs/inbox")

	processed, err := meter.Int64Counter("inbox.messages.processed",
		metric.WithDescription("Events whose effect committed"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create inbox.messages.processed counter: %w", err)
	}
	duplicates, err := meter.Int64Counter("inbox.duplicates",
		metric.WithDescription("Deliveries skipped because the event was already handled"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create inbox.duplicates counter: %w", err)
	}
	return &Metrics{processed: processed, duplicates: duplicates}, nil
}

func (m *Metrics) addProcessed(ctx context.Context, module, eventType string) {
	if m == nil {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("event_type", eventType)))
}

func (m *Metrics) addDuplicate(ctx context.Context, module, eventType string) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("event_type", eventType)))
}
