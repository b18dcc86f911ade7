package coordinator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	accepted metric.Int64Counter
	refresh  metric.Int64Counter
	saves    metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	accepted, err := meter.Int64Counter(
		"session.accepted",
		metric.WithDescription("Sessions accepted from the web application"),
		metric.WithUnit("session"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session.accepted counter: %w", err)
	}

	refresh, err := meter.Int64Counter(
		"session.refresh",
		metric.WithDescription("Refresh cycles by outcome"),
		metric.WithUnit("cycle"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session.refresh counter: %w", err)
	}

	saves, err := meter.Int64Counter(
		"remote.saves",
		metric.WithDescription("Remote save requests by outcome"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating remote.saves counter: %w", err)
	}

	return &metrics{accepted: accepted, refresh: refresh, saves: saves}, nil
}

func (m *metrics) sessionAccepted(ctx context.Context, written bool) {
	m.accepted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("written", written)))
}

func (m *metrics) refreshed(ctx context.Context, outcome string) {
	m.refresh.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) saved(ctx context.Context, kind, outcome string) {
	m.saves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
