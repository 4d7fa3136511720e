package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/telemetry"
)

type busMetrics struct {
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter
	eventsProcessed metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerDuration metric.Float64Histogram
	subscribers     metric.Int64UpDownCounter
}

func newBusMetrics(meter metric.Meter) *busMetrics {
	if meter == nil {
		meter = otel.Meter("eventbus")
	}
	m := new(busMetrics)
	m.eventsPublished, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events accepted onto the queue"),
		metric.WithUnit("{event}"))
	m.eventsDropped, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of events dropped by backpressure or a stopped bus"),
		metric.WithUnit("{event}"))
	m.eventsProcessed, _ = meter.Int64Counter("eventbus.events.processed",
		metric.WithDescription("Number of events dispatched to subscribers"),
		metric.WithUnit("{event}"))
	m.handlerErrors, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of handler invocations that failed"),
		metric.WithUnit("{error}"))
	m.handlerDuration, _ = meter.Float64Histogram("eventbus.handler.duration",
		metric.WithDescription("Latency of handler invocations"),
		metric.WithUnit("ms"))
	m.subscribers, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscriber}"))
	return m
}

func (m *busMetrics) published(ctx context.Context, typ schema.EventType) {
	if m == nil || m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), string(typ))...))
}

func (m *busMetrics) dropped(ctx context.Context, typ schema.EventType, reason string) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(telemetry.Environment(), string(typ)), telemetry.AttrReason.String(reason))
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *busMetrics) processed(ctx context.Context, typ schema.EventType, result string) {
	if m == nil || m.eventsProcessed == nil {
		return
	}
	attrs := append(telemetry.EventAttributes(telemetry.Environment(), string(typ)), telemetry.AttrResult.String(result))
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *busMetrics) handled(ctx context.Context, typ schema.EventType, handlerID string, millis float64, failed bool) {
	if m == nil {
		return
	}
	attrs := telemetry.HandlerAttributes(telemetry.Environment(), string(typ), handlerID)
	if m.handlerDuration != nil {
		m.handlerDuration.Record(ctx, millis, metric.WithAttributes(attrs...))
	}
	if failed && m.handlerErrors != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *busMetrics) subscribersChanged(typ schema.EventType, delta int64) {
	if m == nil || m.subscribers == nil {
		return
	}
	m.subscribers.Add(context.Background(), delta, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(typ))...))
}
