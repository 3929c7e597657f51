package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/events"
	"github.com/md-rashed-zaman/msgcore/libs/lock"
	"github.com/md-rashed-zaman/msgcore/libs/outbox"
)

// Registry accepts the configured event types as raw JSON. The relay only
// checks that a payload decodes; consumers own the typed decoding.
func Registry(eventTypes []string) (*events.Registry, error) {
	reg := events.NewRegistry()
	for _, t := range eventTypes {
		if err := reg.RegisterRaw(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Relays builds one relay per module. lockFor may return nil for no leader
// lock.
func Relays(cfg Config, database db.DB, registry *events.Registry, bus outbox.Publisher, metrics *outbox.Metrics,
	lockFor func(module string) lock.Locker, logger *slog.Logger) (map[string]*outbox.Relay, error) {
	relays := make(map[string]*outbox.Relay, len(cfg.Modules))
	for _, module := range cfg.Modules {
		if _, dup := relays[module]; dup {
			return nil, fmt.Errorf("module %q listed twice", module)
		}
		store, err := outbox.NewPGStore(module + "_outbox")
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", module, err)
		}
		rc := cfg.Relay
		rc.Module = module
		rc.Metrics = metrics
		if lockFor != nil {
			rc.Lock = lockFor(module)
		}
		relays[module] = outbox.NewRelay(database, store, registry, bus, logger, rc)
	}
	return relays, nil
}

// EnsureSchemas creates every module's outbox table.
func EnsureSchemas(ctx context.Context, q db.Querier, modules []string) error {
	for _, module := range modules {
		store, err := outbox.NewPGStore(module + "_outbox")
		if err != nil {
			return err
		}
		if err := store.EnsureSchema(ctx, q); err != nil {
			return fmt.Errorf("module %s outbox schema: %w", module, err)
		}
	}
	return nil
}

// Run runs every relay until ctx ends.
func Run(ctx context.Context, relays map[string]*outbox.Relay) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range relays {
		g.Go(func() error {
			r.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

func LockName(module string) string {
	return "outbox-relay:" + module
}
