package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Scope selects which account a position collection belongs to
type Scope string

const (
	ScopeOwn       Scope = "own"
	ScopeMonitored Scope = "monitored"
)

// TradeEvent is a trade observed on the monitored account. It is immutable once created.
type TradeEvent struct {
	Source        string          `json:"source"`
	Account       string          `json:"account"`
	MarketID      string          `json:"market_id"`
	InstrumentID  string          `json:"instrument_id"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// Display metadata, absent for most sources
	MarketTitle *string `json:"market_title,omitempty"`
	Outcome     *string `json:"outcome,omitempty"`
	Icon        *string `json:"icon,omitempty"`
}

// ID returns the correlation id, or a synthetic one derived from the trade's content.
// The synthetic id ignores Source so the same fill seen by two detection paths collides.
func (e TradeEvent) ID() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		e.Account, e.InstrumentID, e.Side, e.Size.String(), e.Price.String(), e.Timestamp.UnixMilli())
	return "syn-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Value is the notional of the trade (size × price)
func (e TradeEvent) Value() decimal.Decimal {
	return e.Size.Mul(e.Price)
}

// Title returns the market title or the market id when no title was delivered
func (e TradeEvent) Title() string {
	if e.MarketTitle != nil && *e.MarketTitle != "" {
		return *e.MarketTitle
	}
	return e.MarketID
}

// Position is the holding of one account in one instrument. Size is never negative.
type Position struct {
	InstrumentID string          `json:"instrument_id"`
	MarketID     string          `json:"market_id"`
	Side         Side            `json:"side"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Value        decimal.Decimal `json:"value"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderRequest is a limit order sent to the order client
type OrderRequest struct {
	InstrumentID  string
	MarketID      string
	Side          Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// OrderStatus is the venue-side state of an order
type OrderStatus string

const (
	OrderStatusLive      OrderStatus = "LIVE"
	OrderStatusMatched   OrderStatus = "MATCHED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether no further fills can happen
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusMatched || s == OrderStatusCancelled || s == OrderStatusExpired
}

// OrderStatusReport is returned by IOrderClient.GetOrderStatus
type OrderStatusReport struct {
	OrderID     string
	Status      OrderStatus
	FilledSize  decimal.Decimal
	FilledPrice decimal.Decimal
}

// BestPrices is the top of book for an instrument
type BestPrices struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// FillOutcome is the terminal result of confirmation polling
type FillOutcome string

const (
	FillMatched   FillOutcome = "MATCHED"
	FillCancelled FillOutcome = "CANCELLED"
	FillExpired   FillOutcome = "EXPIRED"
	FillTimeout   FillOutcome = "TIMEOUT"
	// FillAbandoned means confirmation stopped because the executor shut down
	FillAbandoned FillOutcome = "ABANDONED"
)

// OrderFillOutcome describes how a submitted copy order ended
type OrderFillOutcome struct {
	TradeID      string
	OrderID      string
	InstrumentID string
	Outcome      FillOutcome
	FilledSize   decimal.NullDecimal
	FilledPrice  decimal.NullDecimal
	Attempts     int
	Elapsed      time.Duration
}

// Snapshot is the durable state document
type Snapshot struct {
	OwnPositions       map[string]Position `json:"own_positions"`
	MonitoredPositions map[string]Position `json:"monitored_positions"`
	ProcessedIDs       []string            `json:"processed_ids"`
	LastSaved          time.Time           `json:"last_saved"`
}
