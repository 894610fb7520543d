package execution

import (
	"context"
	"time"

	"copy_trader/internal/core"
	"copy_trader/internal/trading/position"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (e *Executor) startConfirmation(tradeID, orderID string, estimate position.Estimate, attempts int) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.logger.Warn("Executor stopping, fill confirmation skipped", "order_id", orderID)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.pending.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.pending.Add(-1)

		ctx, cancel := context.WithTimeout(e.ctx, e.config.ConfirmTimeout)
		defer cancel()

		outcome := e.pollUntilTerminal(ctx, orderID)
		outcome.TradeID = tradeID
		outcome.InstrumentID = estimate.InstrumentID
		outcome.Attempts = attempts
		e.handleOutcome(estimate, outcome)
	}()
}

// pollUntilTerminal queries the order immediately and then every ConfirmPollInterval
// until it reaches a terminal status or ctx ends, which yields TIMEOUT.
func (e *Executor) pollUntilTerminal(ctx context.Context, orderID string) core.OrderFillOutcome {
	start := time.Now()
	interval := e.config.ConfirmPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	polls := 0
	for {
		polls++
		report, err := e.client.GetOrderStatus(ctx, orderID)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Debug("Order status poll failed", "order_id", orderID, "poll", polls, "error", err)
			}
		} else if report.Status.Terminal() {
			return outcomeFromReport(orderID, report, time.Since(start))
		}

		select {
		case <-ctx.Done():
			outcome := core.OrderFillOutcome{
				OrderID: orderID,
				Outcome: core.FillTimeout,
				Elapsed: time.Since(start),
			}
			if e.ctx.Err() != nil {
				outcome.Outcome = core.FillAbandoned
			}
			return outcome
		case <-ticker.C:
		}
	}
}

func outcomeFromReport(orderID string, report *core.OrderStatusReport, elapsed time.Duration) core.OrderFillOutcome {
	outcome := core.OrderFillOutcome{OrderID: orderID, Elapsed: elapsed}
	switch report.Status {
	case core.OrderStatusMatched:
		outcome.Outcome = core.FillMatched
		// venues may report MATCHED before the fill amounts are known
		if report.FilledSize.IsPositive() {
			outcome.FilledSize = decimal.NewNullDecimal(report.FilledSize)
		}
		if report.FilledPrice.IsPositive() {
			outcome.FilledPrice = decimal.NewNullDecimal(report.FilledPrice)
		}
	case core.OrderStatusCancelled:
		outcome.Outcome = core.FillCancelled
	default:
		outcome.Outcome = core.FillExpired
	}
	return outcome
}

// handleOutcome reconciles a matched fill. A fill without a reported size, an
// abandoned confirmation and every other outcome leave the optimistic position in place.
func (e *Executor) handleOutcome(estimate position.Estimate, outcome core.OrderFillOutcome) {
	e.outcomeCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome.Outcome)),
	))

	switch {
	case outcome.Outcome == core.FillMatched && outcome.FilledSize.Valid:
		e.matched.Add(1)
		fillPrice := estimate.Price
		if outcome.FilledPrice.Valid {
			fillPrice = outcome.FilledPrice.Decimal
		}
		e.store.Reconcile(estimate, outcome.FilledSize.Decimal, fillPrice)
		e.logger.Info("Copy order filled",
			"trade_id", outcome.TradeID,
			"order_id", outcome.OrderID,
			"filled_size", outcome.FilledSize.Decimal.String(),
			"filled_price", fillPrice.String(),
			"elapsed", outcome.Elapsed)
	case outcome.Outcome == core.FillMatched:
		e.matched.Add(1)
		e.unreported.Add(1)
		e.logger.Warn("Copy order matched without a fill size, optimistic position kept",
			"trade_id", outcome.TradeID,
			"order_id", outcome.OrderID,
			"instrument", outcome.InstrumentID,
			"estimated_size", estimate.Size.String())
	case outcome.Outcome == core.FillAbandoned:
		e.abandoned.Add(1)
		e.logger.Info("Confirmation abandoned on shutdown, optimistic position kept",
			"trade_id", outcome.TradeID,
			"order_id", outcome.OrderID,
			"instrument", outcome.InstrumentID)
	default:
		e.gaps.Add(1)
		e.gapCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome.Outcome)),
		))
		e.logger.Warn("Reconciliation gap: order not confirmed, optimistic position left as-is",
			"trade_id", outcome.TradeID,
			"order_id", outcome.OrderID,
			"instrument", outcome.InstrumentID,
			"outcome", outcome.Outcome,
			"estimated_size", estimate.Size.String(),
			"elapsed", outcome.Elapsed)
	}

	select {
	case e.outcomes <- outcome:
	default:
		e.logger.Debug("Outcome buffer full, dropping", "order_id", outcome.OrderID)
	}
}

// WaitForFill polls an order synchronously. timeout <= 0 uses WaitForFillTimeout.
// It does not touch positions; the caller decides what to do with the outcome.
func (e *Executor) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) core.OrderFillOutcome {
	if timeout <= 0 {
		timeout = e.config.WaitForFillTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.pollUntilTerminal(ctx, orderID)
}
