package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/eventbus"
	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/lock"
	otelx "github.com/md-rashed-zaman/msgcore/libs/otel"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

// Publisher is the part of the event bus the relay needs.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

type RelayConfig struct {
	Module         string
	BatchSize      int
	PollEvery      time.Duration
	MaxRetries     int
	PublishTimeout time.Duration

	// Lock, when set, limits relaying to the instance holding it. Without it
	// concurrent relays rely on SKIP LOCKED claiming.
	Lock    lock.Locker
	Metrics *Metrics
}

func (c *RelayConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// CycleResult summarizes one relay cycle. Failed counts every failed
// attempt; DeadLettered counts the rows among them that reached the ceiling.
type CycleResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
	Interrupted  bool
}

type Relay struct {
	db       db.DB
	store    Store
	registry *events.Registry
	bus      Publisher
	logger   *slog.Logger
	cfg      RelayConfig
	tracer   trace.Tracer
	wake     chan struct{}
	now      func() time.Time
}

func NewRelay(database db.DB, store Store, registry *events.Registry, bus Publisher, logger *slog.Logger, cfg RelayConfig) *Relay {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		db:       database,
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger.With("component", "outbox_relay", "module", cfg.Module),
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/md-rashed-zaman/msgcore/libs/outbox"),
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Relay) Config() RelayConfig { return r.cfg }

// Trigger asks a running relay to start its next cycle now.
// It never blocks; triggers that arrive during a cycle coalesce.
func (r *Relay) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is cancelled. A full batch starts the next cycle
// immediately; otherwise the relay sleeps for PollEvery or until triggered.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started",
		"batch_size", r.cfg.BatchSize,
		"poll_every", r.cfg.PollEvery.String(),
		"max_retries", r.cfg.MaxRetries,
		"leader_lock", r.cfg.Lock != nil,
	)
	defer r.releaseLock(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-timer.C:
		case <-r.wake:
		}

		res, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay cycle failed", "err", err)
		}

		next := r.cfg.PollEvery
		if err == nil && !res.Interrupted && res.Claimed >= r.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

func (r *Relay) releaseLock(ctx context.Context) {
	if r.cfg.Lock == nil {
		return
	}
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.cfg.Lock.Unlock(uctx); err != nil {
		r.logger.Warn("release relay lock failed", "err", err)
	}
}

// RunOnce claims one batch, publishes it and persists every outcome in the
// claiming transaction. Outcomes are flushed once per batch; the commit uses a
// context detached from cancellation so rows already published are recorded
// even when the relay is stopping.
func (r *Relay) RunOnce(ctx context.Context) (res CycleResult, err error) {
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if r.cfg.Lock != nil {
		held, err := r.cfg.Lock.TryLock(ctx)
		if err != nil {
			return res, fmt.Errorf("acquire relay lock: %w", err)
		}
		if !held {
			return res, nil
		}
	}

	start := time.Now()
	committed := false
	ctx, span := r.tracer.Start(ctx, "outbox.relay.cycle",
		trace.WithAttributes(attribute.String("messaging.module", r.cfg.Module)))
	defer func() {
		span.SetAttributes(
			attribute.Int("outbox.claimed", res.Claimed),
			attribute.Int("outbox.published", res.Published),
			attribute.Int("outbox.failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "relay cycle failed")
		}
		span.End()

		// Outcomes of a batch that did not commit are retried later, so they
		// are not counted.
		counted := res
		if !committed {
			counted.Published, counted.Failed, counted.DeadLettered = 0, 0, 0
		}
		r.cfg.Metrics.recordCycle(context.WithoutCancel(ctx), r.cfg.Module, counted, time.Since(start).Seconds())
	}()

	persistCtx := context.WithoutCancel(ctx)
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin relay tx: %w", err)
	}
	defer func() { _ = tx.Rollback(persistCtx) }()

	msgs, err := r.store.ClaimPending(ctx, tx, r.cfg.BatchSize, r.cfg.MaxRetries)
	if err != nil {
		return res, fmt.Errorf("claim outbox messages: %w", err)
	}
	res.Claimed = len(msgs)
	if len(msgs) == 0 {
		if err := tx.Commit(persistCtx); err != nil {
			return res, fmt.Errorf("commit relay batch: %w", err)
		}
		committed = true
		return res, nil
	}

	published := make([]uuid.UUID, 0, len(msgs))
loop:
	for _, m := range msgs {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		perr := r.deliver(ctx, m)
		switch {
		case perr == nil:
			published = append(published, m.ID)
			res.Published++

		case ctx.Err() != nil:
			res.Interrupted = true
			break loop

		case errors.Is(perr, eventbus.ErrUnavailable):
			r.logger.Warn("event bus unavailable, ending cycle early", "err", perr, "event_id", m.ID.String())
			res.Interrupted = true
			break loop

		case retry.IsPermanent(perr):
			res.Failed++
			res.DeadLettered++
			if err := r.store.MarkDead(persistCtx, tx, m.ID, perr.Error(), r.cfg.MaxRetries); err != nil {
				return res, fmt.Errorf("mark outbox message %s dead: %w", m.ID, err)
			}
			r.logger.Error("outbox message dead-lettered",
				"event_id", m.ID.String(),
				"event_type", m.EventType,
				"reason", "permanent",
				"err", perr,
			)

		default:
			res.Failed++
			if err := r.store.MarkFailed(persistCtx, tx, m.ID, perr.Error()); err != nil {
				return res, fmt.Errorf("mark outbox message %s failed: %w", m.ID, err)
			}
			if m.RetryCount+1 >= r.cfg.MaxRetries {
				res.DeadLettered++
				r.logger.Error("outbox message dead-lettered",
					"event_id", m.ID.String(),
					"event_type", m.EventType,
					"retry_count", m.RetryCount+1,
					"reason", "retries exhausted",
					"err", perr,
				)
			} else {
				r.logger.Warn("outbox publish failed",
					"event_id", m.ID.String(),
					"event_type", m.EventType,
					"retry_count", m.RetryCount+1,
					"err", perr,
				)
			}
		}
	}

	if err := r.store.MarkProcessed(persistCtx, tx, published, r.now()); err != nil {
		return res, fmt.Errorf("mark outbox messages processed: %w", err)
	}
	if err := tx.Commit(persistCtx); err != nil {
		return res, fmt.Errorf("commit relay batch: %w", err)
	}
	committed = true
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, m Message) error {
	if _, err := r.registry.Decode(m.EventType, m.Payload); err != nil {
		return err
	}

	// The stored producer trace is the parent; the relay cycle is linked.
	msgCtx := otelx.ContextWithTraceContext(ctx, m.Traceparent, m.Tracestate)
	msgCtx, span := r.tracer.Start(msgCtx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(
			attribute.String("messaging.message.id", m.ID.String()),
			attribute.String("messaging.event_type", m.EventType),
		),
	)
	defer span.End()

	pctx, cancel := context.WithTimeout(msgCtx, r.cfg.PublishTimeout)
	defer cancel()
	if err := r.bus.Publish(pctx, m.Envelope()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// DeadLetters lists rows that need an operator.
func (r *Relay) DeadLetters(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.store.ListDead(ctx, r.db, r.cfg.MaxRetries, limit)
}

// Requeue gives a dead row a fresh retry budget and wakes the relay.
func (r *Relay) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := r.store.Requeue(ctx, r.db, id); err != nil {
		return err
	}
	r.logger.Info("outbox message requeued", "event_id", id.String())
	r.Trigger()
	return nil
}

func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	return r.store.Stats(ctx, r.db, r.cfg.MaxRetries)
}
