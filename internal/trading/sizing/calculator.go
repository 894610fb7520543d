// Package sizing implements proportional copy sizing, exposure arithmetic and tick rounding.
// All functions are pure; the Calculator only carries its parameters.
package sizing

import (
	"copy_trader/internal/config"
	"copy_trader/internal/core"

	"github.com/shopspring/decimal"
)

var (
	bpsDivisor = decimal.NewFromInt(10000)
	one        = decimal.NewFromInt(1)
)

// Params holds the decimal form of the copy configuration
type Params struct {
	Ratio            decimal.Decimal
	MinTradeValue    decimal.Decimal
	MaxPositionValue decimal.Decimal
	ExposureLimit    decimal.Decimal
	TickSize         decimal.Decimal
	SizeTick         decimal.Decimal
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	SlippageBps      int
}

// ParamsFromConfig converts the YAML copy section into decimal parameters
func ParamsFromConfig(cfg config.CopyConfig) Params {
	return Params{
		Ratio:            decimal.NewFromFloat(cfg.Ratio),
		MinTradeValue:    decimal.NewFromFloat(cfg.MinTradeValue),
		MaxPositionValue: decimal.NewFromFloat(cfg.MaxPositionValue),
		ExposureLimit:    decimal.NewFromFloat(cfg.ExposureLimit),
		TickSize:         decimal.NewFromFloat(cfg.TickSize),
		SizeTick:         decimal.NewFromFloat(cfg.SizeTick),
		MinPrice:         decimal.NewFromFloat(cfg.MinPrice),
		MaxPrice:         decimal.NewFromFloat(cfg.MaxPrice),
		SlippageBps:      cfg.SlippageBps,
	}
}

// Calculator applies Params to trades
type Calculator struct {
	params Params
}

// NewCalculator creates a calculator
func NewCalculator(params Params) *Calculator {
	return &Calculator{params: params}
}

// Params returns the calculator parameters
func (c *Calculator) Params() Params {
	return c.params
}

// CopySize returns the dollar value to copy for an observed trade of targetValue.
// Zero means skip: the capped value fell below the configured minimum.
func (c *Calculator) CopySize(targetValue, availableBalance decimal.Decimal) decimal.Decimal {
	if !targetValue.IsPositive() || !availableBalance.IsPositive() {
		return decimal.Zero
	}

	size := targetValue.Mul(c.params.Ratio)
	size = decimal.Min(size, c.params.MaxPositionValue)
	size = decimal.Min(size, availableBalance)

	if size.LessThan(c.params.MinTradeValue) {
		return decimal.Zero
	}
	return size
}

// PortfolioExposure is the share of the portfolio held in positions.
// An empty portfolio has zero exposure.
func PortfolioExposure(positions []core.Position, balance decimal.Decimal) decimal.Decimal {
	held := TotalValue(positions)
	total := held.Add(balance)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return held.Div(total)
}

// WouldExceedExposure reports whether adding additionalValue on side pushes exposure past the limit.
// SELL orders never increase exposure.
func (c *Calculator) WouldExceedExposure(positions []core.Position, balance, additionalValue decimal.Decimal, side core.Side) bool {
	if side == core.SideSell {
		return false
	}
	return c.ProjectedExposure(positions, balance, additionalValue).GreaterThan(c.params.ExposureLimit)
}

// ProjectedExposure is the exposure after spending additionalValue of the balance on a new position.
// The portfolio total is unchanged by the purchase, so only the numerator grows.
func (c *Calculator) ProjectedExposure(positions []core.Position, balance, additionalValue decimal.Decimal) decimal.Decimal {
	held := TotalValue(positions)
	total := held.Add(balance)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return held.Add(additionalValue).Div(total)
}

// TotalValue sums position values
func TotalValue(positions []core.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.Value)
	}
	return sum
}

// RoundToTick rounds value to the nearest multiple of tick, halves rounding up
func RoundToTick(value, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return value
	}
	return value.Div(tick).Round(0).Mul(tick)
}

// FloorToTick rounds value down to a multiple of tick
func FloorToTick(value, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return value
	}
	return value.Div(tick).Floor().Mul(tick)
}

// RoundPrice rounds a price to the price tick
func (c *Calculator) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return RoundToTick(price, c.params.TickSize)
}

// ClampPrice bounds a price to [MinPrice, MaxPrice]
func (c *Calculator) ClampPrice(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(c.params.MinPrice) {
		return c.params.MinPrice
	}
	if price.GreaterThan(c.params.MaxPrice) {
		return c.params.MaxPrice
	}
	return price
}

// SlippageAdjustedPrice moves BUY prices up and SELL prices down by bps basis points.
// The result is rounded to tick and clamped to the valid price range.
func (c *Calculator) SlippageAdjustedPrice(base decimal.Decimal, side core.Side, bps int) decimal.Decimal {
	offset := decimal.NewFromInt(int64(bps)).Div(bpsDivisor)

	var adjusted decimal.Decimal
	if side == core.SideBuy {
		adjusted = base.Mul(one.Add(offset))
	} else {
		adjusted = base.Mul(one.Sub(offset))
	}

	return c.ClampPrice(c.RoundPrice(adjusted))
}

// SharesForValue converts a dollar value into an order size at price, rounded down to the size tick
func (c *Calculator) SharesForValue(value, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !value.IsPositive() {
		return decimal.Zero
	}
	return FloorToTick(value.Div(price), c.params.SizeTick)
}
