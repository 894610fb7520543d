// Package mock provides a paper-trading order client used for dry runs and tests
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"copy_trader/internal/core"
	apperrors "copy_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmitHook runs at the start of every SubmitOrder. A non-nil error fails the submission.
type SubmitHook func(ctx context.Context, req core.OrderRequest) error

type paperOrder struct {
	id        string
	req       core.OrderRequest
	createdAt time.Time
	status    core.OrderStatus
	filled    decimal.Decimal
	settled   bool
}

// PaperExchange implements core.IOrderClient in memory.
// BUY orders reserve balance on submit; fills settle when the order is first observed terminal.
type PaperExchange struct {
	mu             sync.Mutex
	orders         map[string]*paperOrder
	clientOrderMap map[string]string
	balance        decimal.Decimal
	books          map[string]core.BestPrices
	closed         map[string]bool

	fillDelay   time.Duration
	fillStatus  core.OrderStatus
	fillRatio   decimal.Decimal
	fillPrice   map[string]decimal.Decimal
	submitErrs  []error
	statusErrs  []error
	submitHook  SubmitHook
	submitCalls atomic.Int64

	now func() time.Time
}

func NewPaperExchange(balance decimal.Decimal) *PaperExchange {
	return &PaperExchange{
		orders:         make(map[string]*paperOrder),
		clientOrderMap: make(map[string]string),
		balance:        balance,
		books:          make(map[string]core.BestPrices),
		closed:         make(map[string]bool),
		fillStatus:     core.OrderStatusMatched,
		fillRatio:      decimal.NewFromInt(1),
		fillPrice:      make(map[string]decimal.Decimal),
		now:            time.Now,
	}
}

// SetBestPrices sets the top of book for an instrument
func (m *PaperExchange) SetBestPrices(instrumentID string, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[instrumentID] = core.BestPrices{Bid: bid, Ask: ask}
	delete(m.closed, instrumentID)
}

// CloseMarket makes GetBestPrices report no order book
func (m *PaperExchange) CloseMarket(instrumentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[instrumentID] = true
}

// SetFillDelay sets how long orders stay LIVE
func (m *PaperExchange) SetFillDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillDelay = d
}

// SetFillOutcome sets the terminal status and, for MATCHED, the filled fraction of each order
func (m *PaperExchange) SetFillOutcome(status core.OrderStatus, ratio decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillStatus = status
	m.fillRatio = ratio
}

// SetFillPrice overrides the execution price for an instrument
func (m *PaperExchange) SetFillPrice(instrumentID string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrice[instrumentID] = price
}

// QueueSubmitErrors makes the next len(errs) submissions fail in order
func (m *PaperExchange) QueueSubmitErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErrs = append(m.submitErrs, errs...)
}

// QueueStatusErrors makes the next len(errs) status queries fail in order
func (m *PaperExchange) QueueStatusErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErrs = append(m.statusErrs, errs...)
}

// SetSubmitHook installs a hook called outside the lock on every submission
func (m *PaperExchange) SetSubmitHook(hook SubmitHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitHook = hook
}

// SubmitCalls counts SubmitOrder invocations, including failed ones
func (m *PaperExchange) SubmitCalls() int64 {
	return m.submitCalls.Load()
}

// Orders returns the accepted orders, oldest first
func (m *PaperExchange) Orders() []core.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]*paperOrder, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].createdAt.Before(orders[j].createdAt)
	})

	result := make([]core.OrderRequest, len(orders))
	for i, o := range orders {
		result[i] = o.req
	}
	return result
}

func (m *PaperExchange) SubmitOrder(ctx context.Context, req core.OrderRequest) (string, error) {
	m.submitCalls.Add(1)

	m.mu.Lock()
	hook := m.submitHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}

	// Idempotency: a repeated client order id returns the existing order
	if req.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			return existingID, nil
		}
	}

	if !req.Size.IsPositive() || !req.Price.IsPositive() {
		return "", fmt.Errorf("%w: size and price must be positive", apperrors.ErrOrderRejected)
	}

	if req.Side == core.SideBuy {
		cost := req.Size.Mul(req.Price)
		if cost.GreaterThan(m.balance) {
			return "", fmt.Errorf("%w: need %s, have %s", apperrors.ErrInsufficientBalance, cost, m.balance)
		}
		m.balance = m.balance.Sub(cost)
	}

	id := uuid.NewString()
	m.orders[id] = &paperOrder{
		id:        id,
		req:       req,
		createdAt: m.now(),
		status:    core.OrderStatusLive,
		filled:    decimal.Zero,
	}
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = id
	}
	return id, nil
}

func (m *PaperExchange) GetOrderStatus(ctx context.Context, orderID string) (*core.OrderStatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.statusErrs) > 0 {
		err := m.statusErrs[0]
		m.statusErrs = m.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}

	if !order.settled && m.now().Sub(order.createdAt) >= m.fillDelay {
		m.settleLocked(order)
	}

	price := order.req.Price
	if p, ok := m.fillPrice[order.req.InstrumentID]; ok {
		price = p
	}
	return &core.OrderStatusReport{
		OrderID:     order.id,
		Status:      order.status,
		FilledSize:  order.filled,
		FilledPrice: price,
	}, nil
}

func (m *PaperExchange) settleLocked(order *paperOrder) {
	order.settled = true
	order.status = m.fillStatus

	price := order.req.Price
	if p, ok := m.fillPrice[order.req.InstrumentID]; ok {
		price = p
	}

	if m.fillStatus == core.OrderStatusMatched {
		order.filled = order.req.Size.Mul(m.fillRatio)
	}
	reserved := order.req.Size.Mul(order.req.Price)

	switch order.req.Side {
	case core.SideBuy:
		// refund the unfilled reservation and any price improvement
		spent := order.filled.Mul(price)
		m.balance = m.balance.Add(reserved.Sub(spent))
	case core.SideSell:
		m.balance = m.balance.Add(order.filled.Mul(price))
	}
}

func (m *PaperExchange) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *PaperExchange) GetBestPrices(ctx context.Context, instrumentID string) (*core.BestPrices, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed[instrumentID] {
		return nil, nil
	}
	book := m.books[instrumentID]
	return &book, nil
}
