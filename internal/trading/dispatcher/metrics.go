package dispatcher

import (
	"context"
	"sync"
	"time"

	"copy_trader/internal/trading/execution"
	"copy_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSnapshot is a read-only copy of ProcessingMetrics
type MetricsSnapshot struct {
	Queued         int64   `json:"queued"`
	Processed      int64   `json:"processed"`
	Skipped        int64   `json:"skipped"`
	Rejected       int64   `json:"rejected"`
	Failed         int64   `json:"failed"`
	QueueOverflows int64   `json:"queue_overflows"`
	Duplicates     int64   `json:"duplicates"`
	Filtered       int64   `json:"filtered"`
	LatencyMinMs   float64 `json:"latency_min_ms"`
	LatencyMaxMs   float64 `json:"latency_max_ms"`
	LatencyAvgMs   float64 `json:"latency_avg_ms"`
}

// ProcessingMetrics counts what the dispatcher did with each event.
// Counters only ever increase.
type ProcessingMetrics struct {
	mu      sync.Mutex
	current MetricsSnapshot
	samples int64

	queuedCounter    metric.Int64Counter
	outcomeCounter   metric.Int64Counter
	overflowCounter  metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newProcessingMetrics(meter metric.Meter) *ProcessingMetrics {
	m := &ProcessingMetrics{}
	if meter == nil {
		return m
	}
	m.queuedCounter, _ = meter.Int64Counter(telemetry.MetricTradesQueued,
		metric.WithDescription("Detected trades accepted into the queue"))
	m.outcomeCounter, _ = meter.Int64Counter(telemetry.MetricTradesProcessed,
		metric.WithDescription("Executed trades by result"))
	m.overflowCounter, _ = meter.Int64Counter(telemetry.MetricQueueOverflows,
		metric.WithDescription("Trades dropped because the queue was full"))
	m.latencyHistogram, _ = meter.Float64Histogram(telemetry.MetricExecutionLatency,
		metric.WithDescription("Synchronous execution latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *ProcessingMetrics) incQueued() {
	m.mu.Lock()
	m.current.Queued++
	m.mu.Unlock()
	if m.queuedCounter != nil {
		m.queuedCounter.Add(context.Background(), 1)
	}
}

func (m *ProcessingMetrics) incOverflow() {
	m.mu.Lock()
	m.current.QueueOverflows++
	m.mu.Unlock()
	if m.overflowCounter != nil {
		m.overflowCounter.Add(context.Background(), 1)
	}
}

func (m *ProcessingMetrics) incDuplicate() {
	m.mu.Lock()
	m.current.Duplicates++
	m.mu.Unlock()
}

func (m *ProcessingMetrics) incFiltered() {
	m.mu.Lock()
	m.current.Filtered++
	m.mu.Unlock()
}

// record counts one execution result and folds its latency into the aggregates
func (m *ProcessingMetrics) record(status execution.Status, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	switch status {
	case execution.StatusSubmitted:
		m.current.Processed++
	case execution.StatusSkipped:
		m.current.Skipped++
	case execution.StatusRejected:
		m.current.Rejected++
	default:
		m.current.Failed++
	}

	m.samples++
	if m.samples == 1 || ms < m.current.LatencyMinMs {
		m.current.LatencyMinMs = ms
	}
	if ms > m.current.LatencyMaxMs {
		m.current.LatencyMaxMs = ms
	}
	m.current.LatencyAvgMs += (ms - m.current.LatencyAvgMs) / float64(m.samples)
	m.mu.Unlock()

	if m.outcomeCounter != nil {
		attrs := metric.WithAttributes(attribute.String("status", string(status)))
		m.outcomeCounter.Add(context.Background(), 1, attrs)
		m.latencyHistogram.Record(context.Background(), ms, attrs)
	}
}

// Snapshot returns a copy of the counters
func (m *ProcessingMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
