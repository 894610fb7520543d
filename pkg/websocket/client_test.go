package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"copy_trader/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testOptions() Options {
	return Options{
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  100 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      200 * time.Millisecond,
	}
}

func TestWebSocketClient_DeliversMessagesAndSends(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echoed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			echoed <- string(msg)
		}
	}))
	defer server.Close()

	received := make(chan []byte, 1)
	client := NewClient(wsURL(server), func(message []byte) { received <- message }, logging.Nop(), testOptions())
	client.SetOnConnected(func() {
		go func() { _ = client.Send(map[string]string{"type": "subscribe"}) }()
	})
	client.Start()
	defer client.Stop()

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"hello":"world"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case msg := <-echoed:
		assert.JSONEq(t, `{"type":"subscribe"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not sent")
	}
	assert.True(t, client.Connected())
	assert.Equal(t, int64(1), client.Connects())
}

func TestWebSocketClient_SendWithoutConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", nil, logging.Nop(), testOptions())
	assert.Error(t, client.Send("x"))
	assert.False(t, client.Connected())
}

func TestWebSocketClient_Heartbeat(t *testing.T) {
	var pings atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), func([]byte) {}, logging.Nop(), testOptions())
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), client.Connects(), "answered pings keep the connection alive")
}

func TestWebSocketClient_ReconnectOnTimeout(t *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// swallow pings so the client never sees a pong
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), func([]byte) {}, logging.Nop(), testOptions())
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return connections.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketClient_StopReleasesGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	time.Sleep(50 * time.Millisecond)
	initial := runtime.NumGoroutine()

	opts := testOptions()
	opts.PingInterval = 10 * time.Millisecond
	client := NewClient(wsURL(server), func([]byte) {}, logging.Nop(), opts)
	client.Start()
	require.Eventually(t, client.Connected, time.Second, 5*time.Millisecond)

	client.Stop()
	time.Sleep(50 * time.Millisecond)

	// the server side handler goroutine may still be unwinding
	assert.LessOrEqual(t, runtime.NumGoroutine(), initial+2, "possible goroutine leak")
}
