package feed

import (
	"context"
	"sync/atomic"

	"copy_trader/internal/core"
	"copy_trader/pkg/websocket"
)

// WebsocketFeed streams trades pushed by the venue over a reconnecting websocket
type WebsocketFeed struct {
	account string
	events  chan core.TradeEvent
	client  *websocket.Client
	logger  core.ILogger

	dropped  atomic.Int64
	rejected atomic.Int64
}

type subscribeMessage struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// NewWebsocketFeed subscribes to trades of account on url
func NewWebsocketFeed(url, account string, buffer int, opts websocket.Options, logger core.ILogger) *WebsocketFeed {
	f := &WebsocketFeed{
		account: account,
		events:  make(chan core.TradeEvent, buffer),
		logger:  logger.WithField("component", "websocket_feed"),
	}
	f.client = websocket.NewClient(url, f.handle, logger, opts)
	f.client.SetOnConnected(f.subscribe)
	return f
}

func (f *WebsocketFeed) Name() string {
	return "websocket"
}

func (f *WebsocketFeed) Events() <-chan core.TradeEvent {
	return f.events
}

// Dropped counts events discarded because the consumer fell behind
func (f *WebsocketFeed) Dropped() int64 {
	return f.dropped.Load()
}

// Rejected counts undecodable or malformed messages
func (f *WebsocketFeed) Rejected() int64 {
	return f.rejected.Load()
}

// Run keeps the connection alive until ctx is cancelled
func (f *WebsocketFeed) Run(ctx context.Context) error {
	f.client.Start()
	<-ctx.Done()
	f.client.Stop()
	close(f.events)
	return nil
}

func (f *WebsocketFeed) subscribe() {
	if err := f.client.Send(subscribeMessage{Type: "subscribe", User: f.account}); err != nil {
		f.logger.Warn("Failed to subscribe", "account", f.account, "error", err)
	}
}

// handle runs on the read loop and must not block
func (f *WebsocketFeed) handle(message []byte) {
	msgs, err := decodeMessages(message)
	if err != nil {
		f.rejected.Add(1)
		f.logger.Debug("Ignoring undecodable message", "error", err)
		return
	}

	for _, msg := range msgs {
		if !msg.IsTrade() {
			continue
		}
		event, err := msg.ToEvent(f.Name())
		if err != nil {
			f.rejected.Add(1)
			f.logger.Warn("Ignoring malformed trade", "error", err)
			continue
		}
		select {
		case f.events <- event:
		default:
			// the poll feed or a later replay will pick it up
			f.dropped.Add(1)
			f.logger.Warn("Feed buffer full, dropping trade", "trade_id", event.ID())
		}
	}
}
