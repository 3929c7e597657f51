// Package messaging wires one module's outbox, inbox, unit of work and relay
// around a shared event bus.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/eventbus"
	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/inbox"
	"github.com/md-rashed-zaman/msgcore/libs/outbox"
	"github.com/md-rashed-zaman/msgcore/libs/retry"
	"github.com/md-rashed-zaman/msgcore/libs/uow"
)

type Config struct {
	Name string
	// Table names default to <name>_outbox and <name>_inbox.
	OutboxTable string
	InboxTable  string

	Relay       outbox.RelayConfig
	Isolation   pgx.TxIsoLevel
	MaxAttempts int
}

type Option func(*options)

type options struct {
	outboxStore   outbox.Store
	inboxStore    inbox.Store
	outboxMetrics *outbox.Metrics
	inboxMetrics  *inbox.Metrics
	runnerOpts    []uow.Option
}

// WithStores replaces the Postgres stores, typically with memory stores.
func WithStores(o outbox.Store, i inbox.Store) Option {
	return func(opts *options) {
		opts.outboxStore = o
		opts.inboxStore = i
	}
}

func WithMetrics(o *outbox.Metrics, i *inbox.Metrics) Option {
	return func(opts *options) {
		opts.outboxMetrics = o
		opts.inboxMetrics = i
	}
}

// WithRunnerOptions passes extra options to the module's unit of work runner.
func WithRunnerOptions(ro ...uow.Option) Option {
	return func(opts *options) { opts.runnerOpts = append(opts.runnerOpts, ro...) }
}

// Module is one bounded context's messaging surface. Commands run through it
// capture events into the module's outbox; handlers registered with Handle
// consume through the module's inbox.
type Module struct {
	name     string
	db       db.DB
	registry *events.Registry
	bus      eventbus.Bus
	logger   *slog.Logger

	outboxStore outbox.Store
	inboxStore  inbox.Store
	capture     *outbox.Capture
	relay       *outbox.Relay
	runner      *uow.Runner
	guard       *inbox.Guard
}

func NewModule(cfg Config, database db.DB, registry *events.Registry, bus eventbus.Bus, logger *slog.Logger, opts ...Option) (*Module, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("module name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.outboxStore == nil {
		table := cfg.OutboxTable
		if table == "" {
			table = cfg.Name + "_outbox"
		}
		s, err := outbox.NewPGStore(table)
		if err != nil {
			return nil, fmt.Errorf("module %s outbox: %w", cfg.Name, err)
		}
		o.outboxStore = s
	}
	if o.inboxStore == nil {
		table := cfg.InboxTable
		if table == "" {
			table = cfg.Name + "_inbox"
		}
		s, err := inbox.NewPGStore(table)
		if err != nil {
			return nil, fmt.Errorf("module %s inbox: %w", cfg.Name, err)
		}
		o.inboxStore = s
	}

	m := &Module{
		name:        cfg.Name,
		db:          database,
		registry:    registry,
		bus:         bus,
		logger:      logger.With("module", cfg.Name),
		outboxStore: o.outboxStore,
		inboxStore:  o.inboxStore,
	}

	m.capture = outbox.NewCapture(cfg.Name, registry, o.outboxStore, outbox.WithCaptureMetrics(o.outboxMetrics))

	relayCfg := cfg.Relay
	relayCfg.Module = cfg.Name
	if relayCfg.Metrics == nil {
		relayCfg.Metrics = o.outboxMetrics
	}
	m.relay = outbox.NewRelay(database, o.outboxStore, registry, bus, logger, relayCfg)

	runnerOpts := []uow.Option{
		uow.WithCapture(m.capture),
		uow.WithAfterCommit(func(context.Context) { m.relay.Trigger() }),
		uow.WithMaxAttempts(cfg.MaxAttempts),
	}
	if cfg.Isolation != "" {
		runnerOpts = append(runnerOpts, uow.WithIsolation(cfg.Isolation))
	}
	m.runner = uow.NewRunner(database, m.logger, append(runnerOpts, o.runnerOpts...)...)
	m.guard = inbox.NewGuard(m.runner, o.inboxStore, cfg.Name, logger, inbox.WithMetrics(o.inboxMetrics))
	return m, nil
}

func (m *Module) Name() string               { return m.name }
func (m *Module) Registry() *events.Registry { return m.registry }
func (m *Module) Relay() *outbox.Relay       { return m.relay }
func (m *Module) Runner() *uow.Runner        { return m.runner }
func (m *Module) Guard() *inbox.Guard        { return m.guard }
func (m *Module) OutboxStore() outbox.Store  { return m.outboxStore }
func (m *Module) InboxStore() inbox.Store    { return m.inboxStore }

// EnsureSchema creates the module's outbox and inbox tables.
func (m *Module) EnsureSchema(ctx context.Context) error {
	if err := m.outboxStore.EnsureSchema(ctx, m.db); err != nil {
		return fmt.Errorf("module %s outbox schema: %w", m.name, err)
	}
	if err := m.inboxStore.EnsureSchema(ctx, m.db); err != nil {
		return fmt.Errorf("module %s inbox schema: %w", m.name, err)
	}
	return nil
}

func (m *Module) Command(ctx context.Context, fn func(ctx context.Context, s *uow.Scope) error) error {
	return m.runner.Command(ctx, fn)
}

func (m *Module) Query(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	return m.runner.Query(ctx, fn)
}

// RunRelay relays the module's outbox until ctx is cancelled.
func (m *Module) RunRelay(ctx context.Context) {
	m.relay.Run(ctx)
}

// HandlerFunc handles one decoded event inside the consumer's unit of work.
type HandlerFunc[T events.Event] func(ctx context.Context, s *uow.Scope, evt T, env events.Envelope) error

// Handle subscribes m to T's event type. Deliveries are decoded through the
// module registry, registering T there when needed, and run through the inbox
// guard so each event id takes effect once.
func Handle[T events.Event](m *Module, h HandlerFunc[T]) error {
	var zero T
	eventType := zero.EventType()
	if !m.registry.Has(eventType) {
		if err := events.Register[T](m.registry); err != nil {
			return err
		}
	}
	return m.subscribe(eventType, func(ctx context.Context, s *uow.Scope, evt events.Event, env events.Envelope) error {
		typed, ok := evt.(T)
		if !ok {
			return retry.Permanent(fmt.Errorf("%w: %s decoded to %T", events.ErrMalformedPayload, eventType, evt))
		}
		return h(ctx, s, typed, env)
	})
}

// HandleRaw subscribes to eventType without binding it to a Go type. The type
// must already be registered.
func (m *Module) HandleRaw(eventType string, h func(ctx context.Context, s *uow.Scope, evt events.Event, env events.Envelope) error) error {
	if !m.registry.Has(eventType) {
		return fmt.Errorf("%w: %q", events.ErrUnknownEventType, eventType)
	}
	return m.subscribe(eventType, h)
}

func (m *Module) subscribe(eventType string, h func(ctx context.Context, s *uow.Scope, evt events.Event, env events.Envelope) error) error {
	return m.bus.Subscribe(eventType, m.name, func(ctx context.Context, env events.Envelope) error {
		evt, err := env.Decode(m.registry)
		if err != nil {
			return err
		}
		out, err := m.guard.RunIfNotProcessed(ctx, env, func(ctx context.Context, s *uow.Scope) error {
			return h(ctx, s, evt, env)
		})
		if err != nil {
			return err
		}
		if out.AlreadyProcessed {
			m.logger.Debug("event already handled",
				"consumer", m.name,
				"event_id", env.ID.String(),
				"event_type", env.Type,
			)
		}
		return nil
	})
}
