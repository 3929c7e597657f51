package grpcx

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/msgcore/libs/runtime"
)

// NewServer returns a server with tracing, request ids and request logging.
func NewServer(logger *slog.Logger, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerLogInterceptor(logger),
		),
	}
	return grpc.NewServer(append(opts, extra...)...)
}

// RegisterHealth installs grpc.health.v1 on srv and keeps service's status in
// step with the readiness checks until ctx ends. The overall status ("")
// follows the same checks.
func RegisterHealth(ctx context.Context, srv *grpc.Server, service string, every time.Duration, logger *slog.Logger, checks ...runtime.ReadyCheck) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	if every <= 0 {
		every = 5 * time.Second
	}
	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if err := runtime.Ready(ctx, checks...); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Debug("grpc health not serving", "err", err)
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(service, st)
	}
	update()

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()
	return hs
}
