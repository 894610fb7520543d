// Package execution implements the copy-order state machine: size, validate, submit with
// retries, record the position optimistically and confirm the fill in the background.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"copy_trader/internal/config"
	"copy_trader/internal/core"
	"copy_trader/internal/risk"
	"copy_trader/internal/trading/position"
	"copy_trader/internal/trading/sizing"
	apperrors "copy_trader/pkg/errors"
	"copy_trader/pkg/retry"
	"copy_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Stage is the last state a copy order reached
type Stage string

const (
	StageValidating Stage = "VALIDATING"
	StageSizing     Stage = "SIZING"
	StageSubmitting Stage = "SUBMITTING"
	StageSubmitted  Stage = "SUBMITTED"
	StageConfirming Stage = "CONFIRMING"
)

// Status classifies the synchronous result of Execute
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusSkipped   Status = "skipped"  // expected condition, never trips the breaker
	StatusRejected  Status = "rejected" // failed validation or the risk gate
	StatusFailed    Status = "failed"
)

// Result describes what Execute did with one detected trade
type Result struct {
	TradeID     string
	Status      Status
	Stage       Stage
	Reason      string
	Suggestions []string
	OrderID     string
	Order       core.OrderRequest
	Attempts    int
	Elapsed     time.Duration
	Err         error
}

// Config tunes submission and confirmation
type Config struct {
	MaxSubmitAttempts   int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	WaitForFillTimeout  time.Duration
	OrdersPerSecond     float64
	OrderBurst          int
	PriceTolerance      decimal.Decimal
	SlippageBps         int
	OwnAccount          string
	OutcomeBuffer       int
}

// ConfigFromConfig maps the application configuration onto executor settings
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		MaxSubmitAttempts:   cfg.Execution.MaxSubmitAttempts,
		BaseBackoff:         cfg.Execution.BaseBackoff,
		MaxBackoff:          cfg.Execution.MaxBackoff,
		ConfirmPollInterval: cfg.Execution.ConfirmPollInterval,
		ConfirmTimeout:      cfg.Execution.ConfirmTimeout,
		WaitForFillTimeout:  cfg.Execution.WaitForFillTimeout,
		OrdersPerSecond:     cfg.Execution.OrdersPerSecond,
		OrderBurst:          cfg.Execution.OrderBurst,
		PriceTolerance:      decimal.NewFromFloat(cfg.Copy.PriceTolerance),
		SlippageBps:         cfg.Copy.SlippageBps,
		OwnAccount:          cfg.App.OwnAccount,
		OutcomeBuffer:       256,
	}
}

// Stats are the executor's lifetime counters
type Stats struct {
	Submitted          int64 `json:"submitted"`
	Skipped            int64 `json:"skipped"`
	Rejected           int64 `json:"rejected"`
	Failed             int64 `json:"failed"`
	Retries            int64 `json:"retries"`
	Matched            int64 `json:"matched"`
	ReconciliationGaps int64 `json:"reconciliation_gaps"`
	UnreportedFills    int64 `json:"unreported_fills"`
	Abandoned          int64 `json:"abandoned_confirmations"`
	PendingConfirms    int64 `json:"pending_confirmations"`
}

// Executor turns detected trades into copy orders
type Executor struct {
	client core.IOrderClient
	store  *position.Store
	gate   *risk.Gate
	calc   *sizing.Calculator
	config Config
	logger core.ILogger

	rateLimiter *rate.Limiter

	// Lifecycle of background confirmations
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	outcomes chan core.OrderFillOutcome
	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once

	submitted, skipped, rejected, failed atomic.Int64
	retries, matched, gaps, pending      atomic.Int64
	unreported, abandoned                atomic.Int64

	// Health status
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int
	errorMu         sync.Mutex

	// OTel
	tracer         trace.Tracer
	orderCounter   metric.Int64Counter
	retryCounter   metric.Int64Counter
	outcomeCounter metric.Int64Counter
	gapCounter     metric.Int64Counter
}

// NewExecutor creates an executor
func NewExecutor(client core.IOrderClient, store *position.Store, gate *risk.Gate, calc *sizing.Calculator, cfg Config, logger core.ILogger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.OutcomeBuffer <= 0 {
		cfg.OutcomeBuffer = 256
	}
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 10
	}
	if cfg.OrderBurst <= 0 {
		cfg.OrderBurst = 1
	}

	meter := telemetry.GetMeter("trade-executor")
	orderCounter, _ := meter.Int64Counter(telemetry.MetricOrdersSubmitted,
		metric.WithDescription("Copy orders accepted by the exchange"))
	retryCounter, _ := meter.Int64Counter(telemetry.MetricOrderRetries,
		metric.WithDescription("Copy order submission retries"))
	outcomeCounter, _ := meter.Int64Counter(telemetry.MetricFillOutcomes,
		metric.WithDescription("Confirmation outcomes by result"))
	gapCounter, _ := meter.Int64Counter(telemetry.MetricReconciliationGaps,
		metric.WithDescription("Optimistic positions left unconfirmed"))

	return &Executor{
		client:          client,
		store:           store,
		gate:            gate,
		calc:            calc,
		config:          cfg,
		logger:          logger.WithField("component", "trade_executor"),
		rateLimiter:     rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.OrderBurst),
		ctx:             ctx,
		cancel:          cancel,
		outcomes:        make(chan core.OrderFillOutcome, cfg.OutcomeBuffer),
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		tracer:          telemetry.GetTracer("trade-executor"),
		orderCounter:    orderCounter,
		retryCounter:    retryCounter,
		outcomeCounter:  outcomeCounter,
		gapCounter:      gapCounter,
	}
}

// Outcomes delivers the result of every background confirmation.
// Outcomes are dropped when the buffer is full; the channel closes on Stop.
func (e *Executor) Outcomes() <-chan core.OrderFillOutcome {
	return e.outcomes
}

// Stats returns a copy of the counters
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted:          e.submitted.Load(),
		Skipped:            e.skipped.Load(),
		Rejected:           e.rejected.Load(),
		Failed:             e.failed.Load(),
		Retries:            e.retries.Load(),
		Matched:            e.matched.Load(),
		ReconciliationGaps: e.gaps.Load(),
		UnreportedFills:    e.unreported.Load(),
		Abandoned:          e.abandoned.Load(),
		PendingConfirms:    e.pending.Load(),
	}
}

// Execute runs one trade through validation, sizing, risk and submission.
// It returns once the order is submitted; confirmation continues in the background.
func (e *Executor) Execute(ctx context.Context, event core.TradeEvent) Result {
	start := time.Now()
	res := e.execute(ctx, event)
	res.TradeID = event.ID()
	res.Elapsed = time.Since(start)

	switch res.Status {
	case StatusSubmitted:
		e.submitted.Add(1)
	case StatusSkipped:
		e.skipped.Add(1)
		e.logger.Info("Copy skipped", "trade_id", res.TradeID, "instrument", event.InstrumentID, "reason", res.Reason)
	case StatusRejected:
		e.rejected.Add(1)
		e.logger.Info("Copy rejected", "trade_id", res.TradeID, "instrument", event.InstrumentID,
			"reason", res.Reason, "suggestions", res.Suggestions)
	case StatusFailed:
		e.failed.Add(1)
		e.logger.Error("Copy failed", "trade_id", res.TradeID, "instrument", event.InstrumentID,
			"stage", res.Stage, "attempts", res.Attempts, "error", res.Err)
	}
	return res
}

func skip(stage Stage, reason string) Result {
	return Result{Status: StatusSkipped, Stage: stage, Reason: reason}
}

func fail(stage Stage, reason string, err error) Result {
	return Result{Status: StatusFailed, Stage: stage, Reason: reason, Err: err}
}

func (e *Executor) execute(ctx context.Context, event core.TradeEvent) Result {
	// VALIDATING
	if reason := validateEvent(event); reason != "" {
		return Result{Status: StatusRejected, Stage: StageValidating, Reason: reason}
	}

	// SIZING
	balance, err := e.client.GetAvailableBalance(ctx)
	if err != nil {
		e.recordSystemFailure(ctx, err)
		return fail(StageSizing, "balance lookup failed", err)
	}

	book, err := e.client.GetBestPrices(ctx, event.InstrumentID)
	if err != nil {
		e.recordSystemFailure(ctx, err)
		return fail(StageSizing, "order book lookup failed", err)
	}
	if book == nil {
		return skip(StageSizing, apperrors.ErrMarketClosed.Error())
	}

	price := e.calc.SlippageAdjustedPrice(basePrice(event, book), event.Side, e.config.SlippageBps)
	own, holding := e.store.Position(core.ScopeOwn, event.InstrumentID)

	var size decimal.Decimal
	if event.Side == core.SideBuy {
		if holding && own.Side == core.SideSell {
			if reason := e.checkFavourable(event.InstrumentID, price); reason != "" {
				return skip(StageSizing, reason)
			}
		}
		value := e.calc.CopySize(event.Value(), balance)
		if value.IsZero() {
			return skip(StageSizing, "copy value below minimum")
		}
		size = e.calc.SharesForValue(value, price)
	} else {
		capacity := balance
		if holding && own.Side == core.SideBuy {
			capacity = decimal.Max(balance, own.Size.Mul(price))
		}
		value := e.calc.CopySize(event.Value(), capacity)
		if value.IsZero() {
			return skip(StageSizing, "copy value below minimum")
		}
		size = e.calc.SharesForValue(value, price)
		if holding && own.Side == core.SideBuy && size.GreaterThan(own.Size) {
			size = own.Size
		}
	}
	if !size.IsPositive() {
		return skip(StageSizing, "copy size rounds to zero")
	}

	decision := e.gate.Admit(risk.TradeRequest{
		InstrumentID: event.InstrumentID,
		Side:         event.Side,
		Size:         size,
		Price:        price,
		Balance:      balance,
		Positions:    e.store.Positions(core.ScopeOwn),
	})
	if !decision.Allowed {
		return Result{Status: StatusRejected, Stage: StageSizing, Reason: decision.Reason, Suggestions: decision.Suggestions}
	}

	// SUBMITTING
	req := core.OrderRequest{
		InstrumentID:  event.InstrumentID,
		MarketID:      event.MarketID,
		Side:          event.Side,
		Size:          size,
		Price:         price,
		ClientOrderID: "copy-" + event.ID(),
	}
	orderID, attempts, err := e.submit(ctx, req, event.ID())
	if err != nil {
		res := Result{Stage: StageSubmitting, Order: req, Attempts: attempts, Err: err}
		switch {
		case apperrors.IsInsufficientBalance(err):
			res.Status = StatusSkipped
			res.Reason = "insufficient balance"
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			res.Status = StatusFailed
			res.Reason = "submission cancelled"
		default:
			e.gate.Breaker().RecordFailure()
			e.recordError()
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("submission failed after %d attempts", attempts)
		}
		return res
	}

	// SUBMITTED
	e.gate.Breaker().RecordSuccess()
	estimate := core.TradeEvent{
		Source:        "copy",
		Account:       e.config.OwnAccount,
		MarketID:      event.MarketID,
		InstrumentID:  event.InstrumentID,
		Side:          event.Side,
		Size:          size,
		Price:         price,
		Timestamp:     time.Now(),
		CorrelationID: orderID,
	}
	change, err := e.store.ApplyTrade(estimate, core.ScopeOwn)
	if err != nil {
		e.logger.Error("Optimistic position update failed", "order_id", orderID, "error", err)
	}

	e.logger.Info("Copy order submitted",
		"trade_id", event.ID(),
		"order_id", orderID,
		"instrument", event.InstrumentID,
		"side", event.Side,
		"size", size.String(),
		"price", price.String(),
		"attempts", attempts)

	e.startConfirmation(event.ID(), orderID, change.Estimate(estimate), attempts)

	return Result{
		Status:   StatusSubmitted,
		Stage:    StageSubmitted,
		OrderID:  orderID,
		Order:    req,
		Attempts: attempts,
	}
}

func validateEvent(event core.TradeEvent) string {
	switch {
	case event.InstrumentID == "" || event.MarketID == "":
		return "missing instrument or market id"
	case !event.Side.Valid():
		return fmt.Sprintf("invalid side %q", event.Side)
	case !event.Size.IsPositive():
		return "trade size must be positive"
	case !event.Price.IsPositive():
		return "trade price must be positive"
	}
	return ""
}

// basePrice prefers the side of the book we would cross, falling back to the observed price
func basePrice(event core.TradeEvent, book *core.BestPrices) decimal.Decimal {
	if event.Side == core.SideBuy && book.Ask.IsPositive() {
		return book.Ask
	}
	if event.Side == core.SideSell && book.Bid.IsPositive() {
		return book.Bid
	}
	return event.Price
}

// checkFavourable declines a BUY that is priced above the monitored account's
// average cost plus tolerance. Without a monitored position there is no basis to decline.
func (e *Executor) checkFavourable(instrumentID string, price decimal.Decimal) string {
	monitored, ok := e.store.Position(core.ScopeMonitored, instrumentID)
	if !ok || !monitored.AvgPrice.IsPositive() {
		return ""
	}
	limit := monitored.AvgPrice.Mul(decimal.NewFromInt(1).Add(e.config.PriceTolerance))
	if price.GreaterThan(limit) {
		return fmt.Sprintf("price no longer favourable: %s above trader cost %s", price, limit.StringFixed(4))
	}
	return ""
}

// submit places the order under the rate limiter with exponential-backoff retries on transient errors
func (e *Executor) submit(ctx context.Context, req core.OrderRequest, tradeID string) (string, int, error) {
	ctx, span := e.tracer.Start(ctx, "SubmitOrder",
		trace.WithAttributes(
			attribute.String("instrument", req.InstrumentID),
			attribute.String("side", string(req.Side)),
			attribute.String("trade_id", tradeID),
		),
	)
	defer span.End()

	policy := retry.RetryPolicy{
		MaxAttempts:    e.config.MaxSubmitAttempts,
		InitialBackoff: e.config.BaseBackoff,
		MaxBackoff:     e.config.MaxBackoff,
	}

	attempts := 0
	var orderID string
	err := retry.DoNotify(ctx, policy, apperrors.IsTransient,
		func(attempt int, err error) {
			e.retries.Add(1)
			e.retryCounter.Add(ctx, 1)
			e.logger.Warn("Order submission failed, retrying",
				"trade_id", tradeID,
				"instrument", req.InstrumentID,
				"attempt", attempt,
				"error", err.Error())
		},
		func() error {
			attempts++
			if err := e.rateLimiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait failed: %w", err)
			}
			id, err := e.client.SubmitOrder(ctx, req)
			if err != nil {
				return err
			}
			orderID = id
			return nil
		})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", attempts, err
	}

	e.orderCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(req.Side)),
	))
	return orderID, attempts, nil
}

// recordSystemFailure counts failed account queries against the breaker unless the caller gave up
func (e *Executor) recordSystemFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	e.gate.Breaker().RecordFailure()
	e.recordError()
}

// recordError adds an error timestamp to track recent errors (Ring Buffer)
func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
	} else {
		e.errorTimestamps[e.errorIndex] = time.Now()
		e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
	}
}

// getRecentErrorCount returns number of errors within duration
func (e *Executor) getRecentErrorCount(duration time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	cutoff := time.Now().Add(-duration)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// CheckHealth returns an error if the executor is unhealthy
func (e *Executor) CheckHealth() error {
	if e.ctx.Err() != nil {
		return fmt.Errorf("trade executor stopped")
	}
	if e.gate.Breaker().Status().State == risk.CircuitOpen {
		return fmt.Errorf("circuit breaker open")
	}
	if errCount := e.getRecentErrorCount(5 * time.Minute); errCount > 50 {
		return fmt.Errorf("high error rate: %d errors in last 5 minutes", errCount)
	}
	return nil
}

// Stop cancels pending confirmations, waits for them to finish and closes Outcomes
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()
		close(e.outcomes)
	})
}
