// Package core defines the core types and interfaces of the copy trading pipeline
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IOrderClient is the exchange boundary used for order submission and account queries
type IOrderClient interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusReport, error)
	GetAvailableBalance(ctx context.Context) (decimal.Decimal, error)
	// GetBestPrices returns nil when the instrument has no order book (market closed)
	GetBestPrices(ctx context.Context, instrumentID string) (*BestPrices, error)
}

// IFeedSource delivers detected trades. Sources may repeat trades or stay silent.
type IFeedSource interface {
	Name() string
	Events() <-chan TradeEvent
	Run(ctx context.Context) error
}

// IPersistence stores the position snapshot. Load returns nil when nothing was saved yet.
type IPersistence interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
