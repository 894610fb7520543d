package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTradesQueued        = "copy_trader_trades_queued_total"
	MetricTradesProcessed     = "copy_trader_trades_processed_total"
	MetricQueueOverflows      = "copy_trader_queue_overflows_total"
	MetricQueueDepth          = "copy_trader_queue_depth"
	MetricInFlight            = "copy_trader_in_flight"
	MetricExecutionLatency    = "copy_trader_execution_latency_ms"
	MetricOrdersSubmitted     = "copy_trader_orders_submitted_total"
	MetricOrderRetries        = "copy_trader_order_retries_total"
	MetricFillOutcomes        = "copy_trader_fill_outcomes_total"
	MetricReconciliationGaps  = "copy_trader_reconciliation_gaps_total"
	MetricCircuitBreakerOpen  = "copy_trader_circuit_breaker_open"
	MetricRiskRejections      = "copy_trader_risk_rejections_total"
	MetricPositionCount       = "copy_trader_positions"
	MetricPositionValue       = "copy_trader_position_value"
	MetricPersistenceFailures = "copy_trader_persistence_failures_total"
)

// Int64Gauge registers an observable gauge reading from fn.
// A nil meter is a no-op so components can be built without telemetry in tests.
func Int64Gauge(meter metric.Meter, name, description string, fn func() int64, opts ...metric.ObserveOption) {
	if meter == nil {
		return
	}
	_, _ = meter.Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(fn(), opts...)
			return nil
		}))
}

// Float64Gauge registers an observable float gauge reading from fn
func Float64Gauge(meter metric.Meter, name, description string, fn func() float64, opts ...metric.ObserveOption) {
	if meter == nil {
		return
	}
	_, _ = meter.Float64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			obs.Observe(fn(), opts...)
			return nil
		}))
}
