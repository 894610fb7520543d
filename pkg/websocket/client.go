// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"copy_trader/internal/core"
	"copy_trader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// Options controls reconnection and keepalive
type Options struct {
	ReconnectWait time.Duration
	PingInterval  time.Duration // zero disables the heartbeat
	PingWait      time.Duration
	PongWait      time.Duration
	Header        http.Header
}

// DefaultOptions mirrors what most venue gateways expect
func DefaultOptions() Options {
	return Options{
		ReconnectWait: 5 * time.Second,
		PingInterval:  30 * time.Second,
		PingWait:      10 * time.Second,
		PongWait:      60 * time.Second,
	}
}

// Client is a resilient WebSocket client
type Client struct {
	url     string
	handler MessageHandler
	opts    Options

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func() // resubscribe hook, runs after every dial
	connects    atomic.Int64

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("copy_trader_ws_messages_total",
		metric.WithDescription("WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("copy_trader_ws_connections_total",
		metric.WithDescription("WebSocket dial attempts"))

	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}

	return &Client{
		url:         url,
		handler:     handler,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.WithField("component", "ws_client"),
		tracer:      telemetry.GetTracer("ws-client"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
	}
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message on the current connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connects returns the number of successful dials
func (c *Client) Connects() int64 {
	return c.connects.Load()
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and waits for the read and heartbeat loops
func (c *Client) Stop() {
	c.cancel()
	// unblocks ReadMessage
	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.connect(); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.url, "error", err)
		} else {
			c.mu.Lock()
			onConnected := c.onConnected
			c.mu.Unlock()
			if onConnected != nil {
				onConnected()
			}

			heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
			if c.opts.PingInterval > 0 {
				c.wg.Add(1)
				go c.heartbeat(heartbeatCtx)
			}
			c.readLoop()
			heartbeatCancel()
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.ReconnectWait):
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.opts.PingWait))
			}
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				// closing forces readLoop out and triggers a reconnect
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		span.RecordError(err)
		return err
	}

	pongWait := c.opts.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return c.ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	c.connects.Add(1)
	c.logger.Info("WebSocket connected", "url", c.url)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("WebSocket read failed, reconnecting", "error", err)
			}
			return
		}

		// any inbound frame proves the peer is alive
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.msgCounter.Add(c.ctx, 1)

		if c.handler != nil {
			c.handler(message)
		}
	}
}
