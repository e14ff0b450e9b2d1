package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"collabcanvas/internal/protocol"
)

const scope = "collabcanvas"

// Metrics groups the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	frames     metric.Int64Counter
	delivered  metric.Int64Counter
	expired    metric.Int64Counter
	terminated metric.Int64Counter
	failures   metric.Int64Counter
	tracer     trace.Tracer
}

// NewMetrics creates the instruments on the global meter provider, which is
// a no-op until Init installs a real one.
func NewMetrics() *Metrics {
	meter := otel.Meter(scope)
	frames, _ := meter.Int64Counter("collabcanvas_frames_total",
		metric.WithDescription("Inbound frames handled, by type"))
	delivered, _ := meter.Int64Counter("collabcanvas_fanout_deliveries_total",
		metric.WithDescription("Room events written to local connections"))
	expired, _ := meter.Int64Counter("collabcanvas_rooms_expired_total",
		metric.WithDescription("Rooms evicted by the lifecycle sweeper"))
	terminated, _ := meter.Int64Counter("collabcanvas_heartbeat_terminations_total",
		metric.WithDescription("Connections closed for missing heartbeats"))
	failures, _ := meter.Int64Counter("collabcanvas_store_failures_total",
		metric.WithDescription("Coordination store calls that failed"))
	return &Metrics{
		frames:     frames,
		delivered:  delivered,
		expired:    expired,
		terminated: terminated,
		failures:   failures,
		tracer:     otel.Tracer(scope),
	}
}

// ObserveConnections registers a gauge reporting the local connection count.
func (m *Metrics) ObserveConnections(count func() int) error {
	if m == nil {
		return nil
	}
	meter := otel.Meter(scope)
	gauge, err := meter.Int64ObservableGauge("collabcanvas_connections",
		metric.WithDescription("Connections held by this process"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(count()))
		return nil
	}, gauge)
	return err
}

// StartFrame opens a span around handling one inbound frame.
func (m *Metrics) StartFrame(ctx context.Context, t protocol.Type) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
	return m.tracer.Start(ctx, "ws "+string(t), trace.WithSpanKind(trace.SpanKindServer))
}

func (m *Metrics) Delivered(ctx context.Context, t protocol.Type, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", string(t))))
}

func (m *Metrics) RoomExpired(ctx context.Context) {
	if m == nil {
		return
	}
	m.expired.Add(ctx, 1)
}

func (m *Metrics) Terminated(ctx context.Context) {
	if m == nil {
		return
	}
	m.terminated.Add(ctx, 1)
}

func (m *Metrics) StoreFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
