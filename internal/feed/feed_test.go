package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"copy_trader/internal/core"
	httpclient "copy_trader/pkg/http"
	"copy_trader/pkg/logging"
	"copy_trader/pkg/websocket"

	gorilla "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tradeJSON = `{"type":"TRADE","proxyWallet":"0xtrader","conditionId":"cond-1","asset":"tok",
"side":"buy","size":"120","price":0.42,"timestamp":1700000000,"transactionHash":"0xhash","title":"Will it rain?"}`

func receive(t *testing.T, events <-chan core.TradeEvent) core.TradeEvent {
	t.Helper()
	select {
	case e, ok := <-events:
		require.True(t, ok, "feed closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.TradeEvent{}
	}
}

func TestTradeMessage_ToEvent(t *testing.T) {
	msgs, err := decodeMessages([]byte(tradeJSON))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	event, err := msgs[0].ToEvent("ws")
	require.NoError(t, err)
	assert.Equal(t, "ws", event.Source)
	assert.Equal(t, "0xtrader", event.Account)
	assert.Equal(t, "cond-1", event.MarketID)
	assert.Equal(t, "tok", event.InstrumentID)
	assert.Equal(t, core.SideBuy, event.Side)
	assert.True(t, decimal.NewFromInt(120).Equal(event.Size))
	assert.True(t, decimal.RequireFromString("0.42").Equal(event.Price))
	assert.Equal(t, time.Unix(1700000000, 0), event.Timestamp)
	assert.Equal(t, "0xhash", event.ID())
	assert.Equal(t, "Will it rain?", event.Title())
	assert.Nil(t, event.Outcome)
}

func TestTradeMessage_Decoding(t *testing.T) {
	msgs, err := decodeMessages([]byte(" [" + tradeJSON + "," + tradeJSON + "] "))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = decodeMessages(nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = decodeMessages([]byte("{not json"))
	assert.Error(t, err)

	ms := TradeMessage{Timestamp: 1700000000123}
	assert.Equal(t, time.UnixMilli(1700000000123), ms.Time())

	_, err = TradeMessage{Side: "HOLD"}.ToEvent("x")
	assert.Error(t, err)

	assert.True(t, TradeMessage{}.IsTrade())
	assert.False(t, TradeMessage{Type: "REDEEM"}.IsTrade())
}

func TestChannelFeed(t *testing.T) {
	feed := NewChannelFeed("local", 1)
	assert.Equal(t, "local", feed.Name())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.True(t, feed.Publish(context.Background(), core.TradeEvent{CorrelationID: "a"}))
	assert.Equal(t, "a", receive(t, feed.Events()).CorrelationID)

	// buffer of one is full, so Publish gives up with its context
	require.True(t, feed.Publish(context.Background(), core.TradeEvent{CorrelationID: "b"}))
	short, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	assert.False(t, feed.Publish(short, core.TradeEvent{CorrelationID: "c"}))

	cancel()
	require.NoError(t, <-done)
	assert.False(t, feed.Publish(context.Background(), core.TradeEvent{CorrelationID: "d"}))

	// the buffered event is still delivered before the close
	assert.Equal(t, "b", receive(t, feed.Events()).CorrelationID)
	_, ok := <-feed.Events()
	assert.False(t, ok)
	feed.Close()
}

func TestWebsocketFeed_SubscribesAndStreams(t *testing.T) {
	upgrader := gorilla.Upgrader{}
	subscriptions := make(chan subscribeMessage, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscriptions <- sub

		_ = conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"REDEEM","asset":"tok"}`))
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(`garbage`))
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(tradeJSON))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	opts := websocket.DefaultOptions()
	opts.ReconnectWait = 10 * time.Millisecond
	opts.PingInterval = 0
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewWebsocketFeed(url, "0xtrader", 8, opts, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	select {
	case sub := <-subscriptions:
		assert.Equal(t, subscribeMessage{Type: "subscribe", User: "0xtrader"}, sub)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription")
	}

	event := receive(t, feed.Events())
	assert.Equal(t, "websocket", event.Source)
	assert.Equal(t, "0xhash", event.CorrelationID)
	assert.Equal(t, int64(1), feed.Rejected())

	cancel()
	require.NoError(t, <-done)
	_, ok := <-feed.Events()
	assert.False(t, ok, "events channel closes on shutdown")
}

type activityServer struct {
	mu     sync.Mutex
	trades []TradeMessage
	users  []string
}

func (s *activityServer) set(trades ...TradeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = trades
}

func (s *activityServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, r.URL.Query().Get("user"))
	_ = json.NewEncoder(w).Encode(s.trades)
}

func trade(hash string, ts int64) TradeMessage {
	return TradeMessage{
		Type:            "TRADE",
		ProxyWallet:     "0xtrader",
		ConditionID:     "cond-1",
		Asset:           "tok",
		Side:            "SELL",
		Size:            decimal.NewFromInt(10),
		Price:           decimal.RequireFromString("0.6"),
		Timestamp:       ts,
		TransactionHash: hash,
	}
}

func newPollFeed(url string) *PollFeed {
	opts := httpclient.DefaultOptions()
	opts.BaseBackoff = time.Millisecond
	opts.MaxBackoff = time.Millisecond
	return NewPollFeed(httpclient.NewClient(url, opts, nil), "0xtrader", time.Hour, 16, logging.Nop())
}

func TestPollFeed_EmitsOnlyNewTrades(t *testing.T) {
	srv := &activityServer{}
	server := httptest.NewServer(srv)
	defer server.Close()

	feed := newPollFeed(server.URL)
	feed.watermark = time.Unix(1000, 0)

	// newest first, as activity APIs return them; one predates the watermark
	srv.set(trade("0x3", 1002), trade("0x2", 1001), trade("0x1", 999))
	require.NoError(t, feed.poll(context.Background()))
	assert.Equal(t, "0x2", receive(t, feed.Events()).CorrelationID)
	assert.Equal(t, "0x3", receive(t, feed.Events()).CorrelationID)

	// same page again emits nothing
	require.NoError(t, feed.poll(context.Background()))
	assert.Empty(t, feed.Events())

	// a second fill in the watermark second is still new
	srv.set(trade("0x4", 1002), trade("0x3", 1002), trade("0x2", 1001))
	require.NoError(t, feed.poll(context.Background()))
	assert.Equal(t, "0x4", receive(t, feed.Events()).CorrelationID)
	assert.Empty(t, feed.Events())

	srv.mu.Lock()
	assert.Equal(t, "0xtrader", srv.users[0])
	srv.mu.Unlock()
}

func TestPollFeed_RunSurvivesErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	feed := newPollFeed(server.URL)
	feed.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, ok := <-feed.Events()
	assert.False(t, ok)
}

func TestWebsocketFeed_DropsWhenConsumerLags(t *testing.T) {
	feed := NewWebsocketFeed("ws://127.0.0.1:1", "0xtrader", 1, websocket.DefaultOptions(), logging.Nop())

	feed.handle([]byte(tradeJSON))
	feed.handle([]byte(tradeJSON))

	assert.Equal(t, int64(1), feed.Dropped())
	assert.Len(t, feed.Events(), 1)
}
