package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector using OpenTelemetry.
// Instrument creation errors leave nil instruments; recording on a nil
// instrument is skipped, so a broken meter degrades to noop.
type OTelMetricsCollector struct {
	ctx          context.Context
	successes    metric.Int64Counter
	failures     metric.Int64Counter
	rejections   metric.Int64Counter
	stateChanges metric.Int64Counter
}

// NewOTelMetricsCollector creates a collector on the global meter provider
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	meter := otel.Meter("tierflow/resilience")

	c := &OTelMetricsCollector{ctx: ctx}
	c.successes, _ = meter.Int64Counter("circuit_breaker.successes",
		metric.WithDescription("Calls recorded as success by a circuit breaker"))
	c.failures, _ = meter.Int64Counter("circuit_breaker.failures",
		metric.WithDescription("Calls recorded as failure by a circuit breaker"))
	c.rejections, _ = meter.Int64Counter("circuit_breaker.rejections",
		metric.WithDescription("Calls rejected while a circuit breaker was open"))
	c.stateChanges, _ = meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state transitions"))
	return c
}

// RecordSuccess records a successful execution
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	if o.successes == nil {
		return
	}
	o.successes.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}

// RecordFailure records a failed execution
func (o *OTelMetricsCollector) RecordFailure(name string) {
	if o.failures == nil {
		return
	}
	o.failures.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}

// RecordStateChange records a state transition
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	if o.stateChanges == nil {
		return
	}
	o.stateChanges.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// RecordRejection records a request rejected by an open breaker
func (o *OTelMetricsCollector) RecordRejection(name string) {
	if o.rejections == nil {
		return
	}
	o.rejections.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
	))
}
