package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the outbox instruments. A nil *Metrics records nothing.
type Metrics struct {
	captured      metric.Int64Counter
	published     metric.Int64Counter
	failed        metric.Int64Counter
	deadLettered  metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("github.com/md-rashed-zaman/msgcore/libs/outbox")

	var (
		m   Metrics
		err error
	)
	m.captured, err = meter.Int64Counter("outbox.messages.captured",
		metric.WithDescription("Outbox rows written by the capture hook"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.captured counter: %w", err)
	}
	m.published, err = meter.Int64Counter("outbox.messages.published",
		metric.WithDescription("Outbox rows handed to the event bus"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}
	m.failed, err = meter.Int64Counter("outbox.messages.failed",
		metric.WithDescription("Failed delivery attempts"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}
	m.deadLettered, err = meter.Int64Counter("outbox.messages.dead_lettered",
		metric.WithDescription("Rows that reached the retry ceiling"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.messages.dead_lettered counter: %w", err)
	}
	m.cycleDuration, err = meter.Float64Histogram("outbox.relay.cycle.duration",
		metric.WithDescription("Time taken per relay cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create outbox.relay.cycle.duration histogram: %w", err)
	}
	return &m, nil
}

func moduleAttr(module string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("module", module))
}

func (m *Metrics) addCaptured(ctx context.Context, module string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.captured.Add(ctx, int64(n), moduleAttr(module))
}

func (m *Metrics) recordCycle(ctx context.Context, module string, res CycleResult, seconds float64) {
	if m == nil {
		return
	}
	opt := moduleAttr(module)
	if res.Published > 0 {
		m.published.Add(ctx, int64(res.Published), opt)
	}
	if res.Failed > 0 {
		m.failed.Add(ctx, int64(res.Failed), opt)
	}
	if res.DeadLettered > 0 {
		m.deadLettered.Add(ctx, int64(res.DeadLettered), opt)
	}
	m.cycleDuration.Record(ctx, seconds, opt)
}
