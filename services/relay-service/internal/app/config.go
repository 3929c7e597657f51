package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/msgcore/libs/config"
	"github.com/md-rashed-zaman/msgcore/libs/eventbus"
	"github.com/md-rashed-zaman/msgcore/libs/outbox"
)

type LockKind string

const (
	LockNone     LockKind = "none"
	LockPostgres LockKind = "postgres"
	LockRedis    LockKind = "redis"
)

type Config struct {
	Service     string
	HTTPPort    string
	GRPCPort    string
	DatabaseURL string

	// Modules whose outbox tables (<module>_outbox) this process relays.
	Modules []string
	// EventTypes the relays accept. Rows of any other type are dead-lettered.
	EventTypes   []string
	EnsureSchema bool
	Relay        outbox.RelayConfig

	Lock     LockKind
	LockTTL  time.Duration
	RedisURL string

	AdminToken     string
	AdminRateLimit int

	Bus eventbus.Config
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Service:      config.String("SERVICE_NAME", "relay-service"),
		Modules:      config.List("OUTBOX_MODULES", ""),
		EventTypes:   config.List("OUTBOX_EVENT_TYPES", ""),
		EnsureSchema: config.Bool("OUTBOX_ENSURE_SCHEMA", true),
		Lock:         LockKind(strings.ToLower(config.String("RELAY_LOCK", string(LockNone)))),
		RedisURL:     config.String("REDIS_URL", ""),
		AdminToken:   config.String("ADMIN_TOKEN", ""),
	}

	var err error
	if cfg.HTTPPort, err = config.Port("PORT", "8090"); err != nil {
		return Config{}, err
	}
	if cfg.GRPCPort, err = config.Port("GRPC_PORT", "9090"); err != nil {
		return Config{}, err
	}
	if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if len(cfg.Modules) == 0 {
		return Config{}, fmt.Errorf("OUTBOX_MODULES is required")
	}
	if cfg.Relay.BatchSize, err = config.Int("OUTBOX_BATCH_SIZE", 20); err != nil {
		return Config{}, err
	}
	if cfg.Relay.MaxRetries, err = config.Int("OUTBOX_MAX_RETRIES", 10); err != nil {
		return Config{}, err
	}
	if cfg.Relay.PollEvery, err = config.Duration("OUTBOX_POLL_EVERY", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Relay.PublishTimeout, err = config.Duration("OUTBOX_PUBLISH_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = config.Duration("RELAY_LOCK_TTL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AdminRateLimit, err = config.Int("ADMIN_RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return Config{}, err
	}

	switch cfg.Lock {
	case LockNone, LockPostgres:
	case LockRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("RELAY_LOCK=redis requires REDIS_URL")
		}
	default:
		return Config{}, fmt.Errorf("unknown RELAY_LOCK %q (want none, postgres or redis)", cfg.Lock)
	}

	if cfg.Bus, err = eventbus.ConfigFromEnv(); err != nil {
		return Config{}, err
	}
	// The relay runs apart from every consumer, so an in-process bus would
	// mark rows processed without anyone receiving them.
	switch cfg.Bus.Kind {
	case eventbus.KindKafka, eventbus.KindRabbitMQ:
	default:
		return Config{}, fmt.Errorf("EVENT_BUS must be kafka or rabbitmq for the relay service, got %q", cfg.Bus.Kind)
	}
	return cfg, nil
}
