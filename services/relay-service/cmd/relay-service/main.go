package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/msgcore/libs/db"
	"github.com/md-rashed-zaman/msgcore/libs/eventbus"
	"github.com/md-rashed-zaman/msgcore/libs/grpcx"
	"github.com/md-rashed-zaman/msgcore/libs/httpx"
	"github.com/md-rashed-zaman/msgcore/libs/kafkax"
	"github.com/md-rashed-zaman/msgcore/libs/lock"
	otelx "github.com/md-rashed-zaman/msgcore/libs/otel"
	"github.com/md-rashed-zaman/msgcore/libs/outbox"
	"github.com/md-rashed-zaman/msgcore/libs/rabbitx"
	"github.com/md-rashed-zaman/msgcore/libs/runtime"
	"github.com/md-rashed-zaman/msgcore/services/relay-service/internal/app"
	"github.com/md-rashed-zaman/msgcore/services/relay-service/internal/handlers"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if cfg.EnsureSchema {
		if err := app.EnsureSchemas(ctx, pool, cfg.Modules); err != nil {
			logger.Error("outbox schema setup failed", "err", err)
			panic(err)
		}
	}

	registry, err := app.Registry(cfg.EventTypes)
	if err != nil {
		panic(err)
	}
	if len(cfg.EventTypes) == 0 {
		logger.Warn("OUTBOX_EVENT_TYPES is empty, every row will be dead-lettered")
	}

	bus, err := eventbus.New(cfg.Bus, logger)
	if err != nil {
		logger.Error("event bus setup failed", "bus", string(cfg.Bus.Kind), "err", err)
		panic(err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close failed", "err", err)
		}
	}()
	if err := bus.Start(ctx); err != nil {
		panic(err)
	}

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	switch cfg.Bus.Kind {
	case eventbus.KindKafka:
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.Bus.Brokers)})
	case eventbus.KindRabbitMQ:
		if rmq, ok := unwrapBus(bus).(*eventbus.RabbitMQ); ok {
			checks = append(checks, runtime.ReadyCheck{Name: "rabbitmq", Check: rabbitx.ReadyCheck(func() *amqp.Connection { return rmq.Connection() })})
		}
	}

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			panic(err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: lock.RedisReadyCheck(rdb)})
	}

	var lockFor func(string) lock.Locker
	switch cfg.Lock {
	case app.LockPostgres:
		lockFor = func(module string) lock.Locker { return lock.NewPGAdvisory(pool, app.LockName(module)) }
	case app.LockRedis:
		lockFor = func(module string) lock.Locker { return lock.NewRedis(rdb, app.LockName(module), cfg.LockTTL) }
	}

	metrics, err := outbox.NewMetrics(nil)
	if err != nil {
		logger.Error("outbox metrics setup failed", "err", err)
	}
	relays, err := app.Relays(cfg, pool, registry, bus, metrics, lockFor, logger)
	if err != nil {
		panic(err)
	}
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = app.Run(ctx, relays)
	}()

	mux := runtime.NewBaseMuxWithReady(checks...)
	var limiter httpx.Limiter = httpx.NewMemoryLimiter(cfg.AdminRateLimit, time.Minute)
	if rdb != nil {
		limiter = httpx.NewRedisLimiter(rdb, cfg.AdminRateLimit, time.Minute, "relay-admin")
	}
	adminRelays := make(map[string]handlers.Relay, len(relays))
	for name, r := range relays {
		adminRelays[name] = r
	}
	handlers.NewAdmin(adminRelays, cfg.AdminToken, logger).Register(mux,
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(1<<20),
	)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	handler = otelhttp.NewHandler(handler, "relay")
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	if err := startGrpcServer(ctx, cfg, logger, checks); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")

	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		logger.Warn("relays did not stop before the shutdown deadline")
	}
}

func startGrpcServer(ctx context.Context, cfg app.Config, logger *slog.Logger, checks []runtime.ReadyCheck) error {
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	srv := grpcx.NewServer(logger)
	grpcx.RegisterHealth(ctx, srv, cfg.Service, 5*time.Second, logger, checks...)

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	return nil
}

func unwrapBus(bus eventbus.Bus) eventbus.Bus {
	for {
		u, ok := bus.(interface{ Unwrap() eventbus.Bus })
		if !ok {
			return bus
		}
		bus = u.Unwrap()
	}
}
