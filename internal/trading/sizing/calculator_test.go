package sizing

import (
	"testing"

	"copy_trader/internal/config"
	"copy_trader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestCalculator() *Calculator {
	return NewCalculator(ParamsFromConfig(config.DefaultConfig().Copy))
}

func TestCopySize(t *testing.T) {
	calc := newTestCalculator()

	tests := []struct {
		name    string
		target  string
		balance string
		want    string
	}{
		{"capped by max position not balance", "1000", "500", "100"},
		{"below minimum is skipped", "5", "100", "0"},
		{"zero target", "0", "100", "0"},
		{"capped by balance", "1000", "40", "40"},
		{"plain ratio", "200", "1000", "20"},
		{"balance below minimum", "1000", "0.5", "0"},
		{"no balance", "1000", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.CopySize(d(tt.target), d(tt.balance))
			assert.True(t, d(tt.want).Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestPortfolioExposure(t *testing.T) {
	assert.True(t, PortfolioExposure(nil, d("100")).IsZero())
	assert.True(t, PortfolioExposure(nil, decimal.Zero).IsZero())

	positions := []core.Position{{Value: d("30")}, {Value: d("50")}}
	got := PortfolioExposure(positions, d("20"))
	assert.True(t, d("0.8").Equal(got), "got %s", got)
}

func TestWouldExceedExposure(t *testing.T) {
	calc := newTestCalculator()
	positions := []core.Position{{Value: d("80")}}
	balance := d("50")

	assert.True(t, calc.WouldExceedExposure(positions, balance, d("50"), core.SideBuy))
	assert.False(t, calc.WouldExceedExposure(positions, balance, d("50"), core.SideSell))
	assert.False(t, calc.WouldExceedExposure(positions, balance, d("100000"), core.SideSell))

	// 100/130 ≈ 0.77 stays under the limit
	assert.False(t, calc.WouldExceedExposure(positions, balance, d("20"), core.SideBuy))

	// exactly at the limit is allowed
	assert.False(t, calc.WouldExceedExposure([]core.Position{{Value: d("60")}}, d("40"), d("20"), core.SideBuy))

	assert.True(t, d("1").Equal(calc.ProjectedExposure(positions, balance, d("50"))))
	assert.True(t, calc.ProjectedExposure(nil, decimal.Zero, d("10")).IsZero())
}

func TestRoundToTick(t *testing.T) {
	tick := d("0.01")
	assert.True(t, d("0.55").Equal(RoundToTick(d("0.545"), tick)))
	assert.True(t, d("0.54").Equal(RoundToTick(d("0.5449"), tick)))
	assert.True(t, d("0.5").Equal(RoundToTick(d("0.5"), tick)))
	assert.True(t, d("0.75").Equal(RoundToTick(d("0.8"), d("0.25"))))
	assert.True(t, d("1.234").Equal(RoundToTick(d("1.234"), decimal.Zero)))
}

func TestSlippageAdjustedPrice(t *testing.T) {
	calc := newTestCalculator()

	// 0.50 × 1.02 = 0.51
	assert.True(t, d("0.51").Equal(calc.SlippageAdjustedPrice(d("0.50"), core.SideBuy, 200)))
	// 0.50 × 0.98 = 0.49
	assert.True(t, d("0.49").Equal(calc.SlippageAdjustedPrice(d("0.50"), core.SideSell, 200)))
	// clamped to the upper bound
	assert.True(t, d("0.99").Equal(calc.SlippageAdjustedPrice(d("0.98"), core.SideBuy, 500)))
	// clamped to the lower bound
	assert.True(t, d("0.01").Equal(calc.SlippageAdjustedPrice(d("0.01"), core.SideSell, 5000)))
	// zero slippage only rounds
	assert.True(t, d("0.33").Equal(calc.SlippageAdjustedPrice(d("0.333"), core.SideBuy, 0)))
}

func TestSharesForValue(t *testing.T) {
	calc := newTestCalculator()

	assert.True(t, d("200").Equal(calc.SharesForValue(d("100"), d("0.5"))))
	// 10 / 0.3 = 33.333... floored to the size tick
	assert.True(t, d("33.33").Equal(calc.SharesForValue(d("10"), d("0.3"))))
	assert.True(t, calc.SharesForValue(d("10"), decimal.Zero).IsZero())
	assert.True(t, calc.SharesForValue(decimal.Zero, d("0.5")).IsZero())
}
