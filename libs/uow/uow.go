// Package uow runs request handlers as units of work. Queries run without a
// transaction. Commands run inside one transaction together with the outbox
// capture of every aggregate they touched, and the whole sequence is re-run
// on transient database failures.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
)

// State is the lifecycle of a single command attempt.
type State int

const (
	Idle State = iota
	TransactionOpen
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TransactionOpen:
		return "transaction_open"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CaptureHook persists pending aggregate events inside the transaction.
// *outbox.Capture implements it.
type CaptureHook interface {
	Capture(ctx context.Context, q db.Querier, aggregates ...events.Aggregate) (int, error)
}

type Runner struct {
	db          db.DB
	logger      *slog.Logger
	isolation   pgx.TxIsoLevel
	maxAttempts int
	newBackOff  func() backoff.BackOff
	transient   retry.Classifier
	capture     CaptureHook
	afterCommit []func(context.Context)
	tracer      trace.Tracer
	observe     func(State)
}

type Option func(*Runner)

func WithIsolation(level pgx.TxIsoLevel) Option {
	return func(r *Runner) { r.isolation = level }
}

// WithMaxAttempts bounds how many transactions one command may open.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(r *Runner) { r.newBackOff = fn }
}

// WithClassifier replaces db.IsTransient as the retry decision.
func WithClassifier(c retry.Classifier) Option {
	return func(r *Runner) { r.transient = c }
}

func WithCapture(c CaptureHook) Option {
	return func(r *Runner) { r.capture = c }
}

// WithAfterCommit registers a callback run after every committed command,
// typically a relay trigger.
func WithAfterCommit(fn func(context.Context)) Option {
	return func(r *Runner) { r.afterCommit = append(r.afterCommit, fn) }
}

// WithStateObserver reports every state transition. Tests use it to follow
// the state machine.
func WithStateObserver(fn func(State)) Option {
	return func(r *Runner) { r.observe = fn }
}

func NewRunner(database db.DB, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		db:          database,
		logger:      logger.With("component", "uow"),
		isolation:   pgx.ReadCommitted,
		maxAttempts: 3,
		newBackOff:  func() backoff.BackOff { return retry.Exponential(50*time.Millisecond, time.Second) },
		transient:   retry.Only(db.IsTransient),
		tracer:      otel.Tracer("github.com/md-rashed-zaman/msgcore/libs/uow"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query runs fn directly against the database, without a transaction.
func (r *Runner) Query(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	return fn(ctx, r.db)
}

// Scope is what a command sees of its unit of work.
type Scope struct {
	tx          pgx.Tx
	attempt     int
	tracked     []events.Aggregate
	afterCommit []func(context.Context)
}

// Tx is the transaction every write of the command must use.
func (s *Scope) Tx() pgx.Tx { return s.tx }

// Attempt is 1 on the first run and grows with each transient retry.
func (s *Scope) Attempt() int { return s.attempt }

// Track registers aggregates whose pending events are captured at commit.
func (s *Scope) Track(aggregates ...events.Aggregate) {
	s.tracked = append(s.tracked, aggregates...)
}

// AfterCommit runs fn only if this attempt commits.
func (s *Scope) AfterCommit(fn func(context.Context)) {
	s.afterCommit = append(s.afterCommit, fn)
}

// Command runs fn in a transaction, captures tracked aggregates and commits.
// Any error rolls everything back. Transient errors re-run the whole
// sequence in a fresh transaction, so fn must load or build its aggregates
// inside the closure.
func (r *Runner) Command(ctx context.Context, fn func(ctx context.Context, s *Scope) error) (err error) {
	ctx, span := r.tracer.Start(ctx, "uow.command",
		trace.WithAttributes(attribute.String("db.isolation", string(r.isolation))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "command failed")
		}
		span.End()
	}()

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.attempt(ctx, attempt, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if attempt < r.maxAttempts && r.transient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("transient failure, retrying unit of work",
				"attempt", attempt,
				"retry_in", next.String(),
				"err", err,
			)
		}),
	)
	span.SetAttributes(attribute.Int("uow.attempts", attempt))
	return err
}

func (r *Runner) attempt(ctx context.Context, n int, fn func(ctx context.Context, s *Scope) error) (err error) {
	r.transition(ctx, Idle, n)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: r.isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	r.transition(ctx, TransactionOpen, n)

	committed := false
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			r.transition(ctx, RolledBack, n)
			panic(p)
		}
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.logger.Warn("rollback failed", "err", rbErr)
			}
			r.transition(ctx, RolledBack, n)
		}
	}()

	scope := &Scope{tx: tx, attempt: n}
	if err := fn(ctx, scope); err != nil {
		return err
	}
	if r.capture != nil && len(scope.tracked) > 0 {
		if _, err := r.capture.Capture(ctx, tx, scope.tracked...); err != nil {
			return fmt.Errorf("capture outbox events: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	r.transition(ctx, Committed, n)

	for _, hook := range scope.afterCommit {
		hook(ctx)
	}
	for _, hook := range r.afterCommit {
		hook(ctx)
	}
	return nil
}

func (r *Runner) transition(ctx context.Context, s State, attempt int) {
	trace.SpanFromContext(ctx).AddEvent("uow."+s.String(), trace.WithAttributes(attribute.Int("uow.attempt", attempt)))
	r.logger.Debug("unit of work state", "state", s.String(), "attempt", attempt)
	if r.observe != nil {
		r.observe(s)
	}
}
