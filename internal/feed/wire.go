// Package feed contains the trade detection sources consumed by the dispatcher.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"copy_trader/internal/core"

	"github.com/shopspring/decimal"
)

// TradeMessage is the JSON shape accepted by the websocket and poll feeds.
// It follows the public activity API of prediction-market venues.
type TradeMessage struct {
	Type            string          `json:"type,omitempty"`
	ProxyWallet     string          `json:"proxyWallet"`
	ConditionID     string          `json:"conditionId"`
	Asset           string          `json:"asset"`
	Side            string          `json:"side"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       int64           `json:"timestamp"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	Title           string          `json:"title,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	Icon            string          `json:"icon,omitempty"`
}

// IsTrade reports whether the message describes a fill. Untyped messages are trades.
func (m TradeMessage) IsTrade() bool {
	return m.Type == "" || strings.EqualFold(m.Type, "TRADE")
}

// Time converts the timestamp, which venues send in seconds or milliseconds
func (m TradeMessage) Time() time.Time {
	if m.Timestamp > 1e12 {
		return time.UnixMilli(m.Timestamp)
	}
	return time.Unix(m.Timestamp, 0)
}

// ToEvent converts the message into a TradeEvent
func (m TradeMessage) ToEvent(source string) (core.TradeEvent, error) {
	side := core.Side(strings.ToUpper(m.Side))
	if !side.Valid() {
		return core.TradeEvent{}, fmt.Errorf("invalid side %q", m.Side)
	}

	event := core.TradeEvent{
		Source:        source,
		Account:       m.ProxyWallet,
		MarketID:      m.ConditionID,
		InstrumentID:  m.Asset,
		Side:          side,
		Size:          m.Size,
		Price:         m.Price,
		Timestamp:     m.Time(),
		CorrelationID: m.TransactionHash,
	}
	if m.Title != "" {
		event.MarketTitle = &m.Title
	}
	if m.Outcome != "" {
		event.Outcome = &m.Outcome
	}
	if m.Icon != "" {
		event.Icon = &m.Icon
	}
	return event, nil
}

// decodeMessages accepts a single object or an array of objects
func decodeMessages(data []byte) ([]TradeMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var msgs []TradeMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}
	var msg TradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return []TradeMessage{msg}, nil
}
