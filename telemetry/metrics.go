package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics mirrors ledger entries onto OpenTelemetry counters so
// cost and cache effectiveness show up in whatever metrics backend
// the process exports to. The ledger stays the source of truth.
type Metrics struct {
	calls      metric.Int64Counter
	costMicros metric.Int64Counter
	tokens     metric.Int64Counter
	cacheHits  metric.Int64Counter
}

// NewMetrics creates counters on the global meter provider
func NewMetrics() *Metrics {
	meter := otel.Meter("tierflow/telemetry")

	m := &Metrics{}
	m.calls, _ = meter.Int64Counter("llm.calls",
		metric.WithDescription("Provider-bound calls, including cache hits"))
	m.costMicros, _ = meter.Int64Counter("llm.cost_micros",
		metric.WithDescription("Accumulated spend in currency micro-units"))
	m.tokens, _ = meter.Int64Counter("llm.tokens",
		metric.WithDescription("Tokens consumed, by direction"))
	m.cacheHits, _ = meter.Int64Counter("llm.cache_hits",
		metric.WithDescription("Calls served from the response cache"))
	return m
}

// Observe records one ledger entry onto the counters
func (m *Metrics) Observe(ctx context.Context, e Entry) {
	if m == nil || m.calls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", e.Workflow),
		attribute.String("tier", e.Tier.String()),
		attribute.String("provider", e.Provider),
	)
	m.calls.Add(ctx, 1, attrs)
	m.costMicros.Add(ctx, e.CostMicros(), attrs)
	m.tokens.Add(ctx, e.Tokens.Input, metric.WithAttributes(attribute.String("direction", "input")))
	m.tokens.Add(ctx, e.Tokens.Output, metric.WithAttributes(attribute.String("direction", "output")))
	if e.Cache.Hit {
		m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Cache.Kind)))
	}
}
