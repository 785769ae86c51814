package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSink counts events by type and reason.
type MetricsSink struct {
	events metric.Int64Counter
}

func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	events, err := meter.Int64Counter("session.events",
		metric.WithDescription("Session events by type and reason"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("[telemetry.NewMetricsSink] %w", err)
	}
	return &MetricsSink{events: events}, nil
}

func (m *MetricsSink) Emit(ctx context.Context, event Event) {
	attrs := []attribute.KeyValue{attribute.String("type", string(event.Type))}
	if event.Reason != "" {
		attrs = append(attrs, attribute.String("reason", event.Reason))
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attrs...))
}
