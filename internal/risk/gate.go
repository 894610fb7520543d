// Package risk provides pre-trade validation and the submission circuit breaker
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"copy_trader/internal/core"
	"copy_trader/internal/trading/sizing"
	"copy_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Check names reported on rejected decisions
const (
	CheckCircuitBreaker = "circuit_breaker"
	CheckCooldown       = "cooldown"
	CheckBalance        = "balance"
	CheckMinValue       = "min_value"
	CheckMaxValue       = "max_position_value"
	CheckExposure       = "exposure"
	CheckPrice          = "price_bounds"
	CheckSize           = "size"
)

// GateConfig holds the limits not covered by sizing parameters
type GateConfig struct {
	TradeCooldown time.Duration
	// Price sanity bounds, both exclusive
	PriceFloor   decimal.Decimal
	PriceCeiling decimal.Decimal
}

// DefaultGateConfig bounds prices to the open interval (0, 1)
func DefaultGateConfig(cooldown time.Duration) GateConfig {
	return GateConfig{
		TradeCooldown: cooldown,
		PriceFloor:    decimal.Zero,
		PriceCeiling:  decimal.NewFromInt(1),
	}
}

// TradeRequest is a sized copy order awaiting validation
type TradeRequest struct {
	InstrumentID string
	Side         core.Side
	Size         decimal.Decimal
	Price        decimal.Decimal
	Balance      decimal.Decimal
	Positions    []core.Position
}

// Value is the order notional
func (r TradeRequest) Value() decimal.Decimal {
	return r.Size.Mul(r.Price)
}

// Decision is the outcome of validation. Rejections carry a reason and optional remediation hints.
type Decision struct {
	Allowed     bool
	Check       string
	Reason      string
	Suggestions []string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func reject(check, reason string, suggestions ...string) Decision {
	return Decision{Check: check, Reason: reason, Suggestions: suggestions}
}

// Gate validates copy orders in a fixed order; the first failing check wins
type Gate struct {
	mu           sync.Mutex
	config       GateConfig
	breaker      *CircuitBreaker
	calc         *sizing.Calculator
	lastAccepted time.Time
	logger       core.ILogger
	rejections   metric.Int64Counter
	now          func() time.Time
}

// NewGate creates a gate. meter may be nil.
func NewGate(config GateConfig, breaker *CircuitBreaker, calc *sizing.Calculator, logger core.ILogger, meter metric.Meter) *Gate {
	g := &Gate{
		config:  config,
		breaker: breaker,
		calc:    calc,
		logger:  logger.WithField("component", "risk_gate"),
		now:     time.Now,
	}
	if meter != nil {
		g.rejections, _ = meter.Int64Counter(telemetry.MetricRiskRejections,
			metric.WithDescription("Copy orders rejected by pre-trade validation"))
	}
	return g
}

// Breaker returns the gate's circuit breaker
func (g *Gate) Breaker() *CircuitBreaker {
	return g.breaker
}

// Validate runs every check without recording the trade
func (g *Gate) Validate(req TradeRequest) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked(req)
}

// Admit validates the request and, when allowed, stamps the trade cooldown in the same critical section
func (g *Gate) Admit(req TradeRequest) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	decision := g.validateLocked(req)
	if decision.Allowed {
		g.lastAccepted = g.now()
	}
	return decision
}

// MarkTradeAccepted starts the global trade cooldown
func (g *Gate) MarkTradeAccepted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAccepted = g.now()
}

func (g *Gate) validateLocked(req TradeRequest) Decision {
	decision := g.evaluate(req)
	if !decision.Allowed {
		g.logger.Debug("Trade rejected by risk gate",
			"instrument", req.InstrumentID,
			"side", req.Side,
			"check", decision.Check,
			"reason", decision.Reason)
		if g.rejections != nil {
			g.rejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("check", decision.Check)))
		}
	}
	return decision
}

func (g *Gate) evaluate(req TradeRequest) Decision {
	params := g.calc.Params()
	value := req.Value()

	if g.breaker.IsOpen() {
		status := g.breaker.Status()
		return reject(CheckCircuitBreaker, "circuit breaker active",
			fmt.Sprintf("trading resumes automatically after %s", status.CooldownUntil.Format(time.RFC3339)),
			"investigate recent submission failures, then reset the breaker manually")
	}

	if g.config.TradeCooldown > 0 && !g.lastAccepted.IsZero() {
		if elapsed := g.now().Sub(g.lastAccepted); elapsed < g.config.TradeCooldown {
			return reject(CheckCooldown,
				fmt.Sprintf("trade cooldown active (%s remaining)", g.config.TradeCooldown-elapsed))
		}
	}

	if req.Side == core.SideBuy && value.GreaterThan(req.Balance) {
		return reject(CheckBalance,
			fmt.Sprintf("insufficient balance: need %s, have %s", value.StringFixed(2), req.Balance.StringFixed(2)),
			"deposit funds or lower the copy ratio")
	}

	if value.LessThan(params.MinTradeValue) {
		return reject(CheckMinValue,
			fmt.Sprintf("trade value %s below minimum %s", value.StringFixed(2), params.MinTradeValue.StringFixed(2)),
			"raise the copy ratio or lower min_trade_value")
	}

	if value.GreaterThan(params.MaxPositionValue) {
		return reject(CheckMaxValue,
			fmt.Sprintf("trade value %s exceeds maximum position value %s", value.StringFixed(2), params.MaxPositionValue.StringFixed(2)),
			"lower the copy ratio or raise max_position_value")
	}

	if req.Side == core.SideBuy && g.calc.WouldExceedExposure(req.Positions, req.Balance, value, req.Side) {
		projected := g.calc.ProjectedExposure(req.Positions, req.Balance, value)
		return reject(CheckExposure,
			fmt.Sprintf("exposure %s would exceed limit %s", projected.StringFixed(3), params.ExposureLimit.StringFixed(3)),
			"close existing positions or raise exposure_limit")
	}

	if !req.Price.GreaterThan(g.config.PriceFloor) || !req.Price.LessThan(g.config.PriceCeiling) {
		return reject(CheckPrice,
			fmt.Sprintf("price %s outside (%s, %s)", req.Price, g.config.PriceFloor, g.config.PriceCeiling))
	}

	if !req.Size.IsPositive() {
		return reject(CheckSize, "size must be positive")
	}

	return allow()
}
