package dispatcher

import (
	"context"
	"time"

	"copy_trader/internal/core"
	"copy_trader/internal/risk"
	"copy_trader/internal/trading/sizing"

	"github.com/shopspring/decimal"
)

// PositionSummary is the dashboard view of one own position
type PositionSummary struct {
	InstrumentID string          `json:"instrument_id"`
	MarketID     string          `json:"market_id"`
	Side         core.Side       `json:"side"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Value        decimal.Decimal `json:"value"`
}

// StatusSnapshot is what the CLI and the status endpoint render
type StatusSnapshot struct {
	Timestamp      time.Time           `json:"timestamp"`
	Balance        decimal.Decimal     `json:"balance"`
	BalanceError   string              `json:"balance_error,omitempty"`
	Positions      []PositionSummary   `json:"positions"`
	MonitoredCount int                 `json:"monitored_positions"`
	TotalValue     decimal.Decimal     `json:"total_value"`
	Exposure       decimal.Decimal     `json:"exposure"`
	Breaker        *risk.BreakerStatus `json:"breaker,omitempty"`
	QueueDepth     int                 `json:"queue_depth"`
	QueueCapacity  int                 `json:"queue_capacity"`
	InFlight       int                 `json:"in_flight"`
	Workers        int                 `json:"workers"`
	ProcessedIDs   int                 `json:"processed_ids"`
	Metrics        MetricsSnapshot     `json:"metrics"`
}

// AttachStatusSources wires the balance and breaker readers used by StatusSnapshot
func (d *Dispatcher) AttachStatusSources(client core.IOrderClient, breaker *risk.CircuitBreaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.client = client
	d.breaker = breaker
}

// StatusSnapshot collects balance, positions, breaker state and queue occupancy.
// A failing balance query is reported in BalanceError rather than returned.
func (d *Dispatcher) StatusSnapshot(ctx context.Context) StatusSnapshot {
	d.mu.Lock()
	client, breaker := d.client, d.breaker
	depth := len(d.queue)
	d.mu.Unlock()

	snap := StatusSnapshot{
		Timestamp:     time.Now(),
		Balance:       decimal.Zero,
		QueueDepth:    depth,
		QueueCapacity: d.config.QueueCapacity,
		InFlight:      d.InFlight(),
		Workers:       d.config.Workers,
		ProcessedIDs:  d.store.ProcessedCount(),
		Metrics:       d.metrics.Snapshot(),
	}

	if client != nil {
		balance, err := client.GetAvailableBalance(ctx)
		if err != nil {
			snap.BalanceError = err.Error()
		} else {
			snap.Balance = balance
		}
	}

	own := d.store.Positions(core.ScopeOwn)
	snap.Positions = make([]PositionSummary, 0, len(own))
	for _, p := range own {
		snap.Positions = append(snap.Positions, PositionSummary{
			InstrumentID: p.InstrumentID,
			MarketID:     p.MarketID,
			Side:         p.Side,
			Size:         p.Size,
			AvgPrice:     p.AvgPrice,
			Value:        p.Value,
		})
	}
	snap.MonitoredCount = len(d.store.Positions(core.ScopeMonitored))
	snap.TotalValue = sizing.TotalValue(own)
	snap.Exposure = sizing.PortfolioExposure(own, snap.Balance)

	if breaker != nil {
		status := breaker.Status()
		snap.Breaker = &status
	}
	return snap
}
