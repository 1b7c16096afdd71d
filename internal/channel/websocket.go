package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Options tunes the websocket transport and its reconnection policy.
type Options struct {
	// BaseDelay is the first reconnect delay. Defaults to 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Defaults to 30s.
	MaxDelay time.Duration
	// MaxRetries is the number of consecutive reconnect attempts before the
	// channel gives up and stays closed. Defaults to 5.
	MaxRetries int
	// HandshakeTimeout bounds the websocket handshake. Defaults to 10s.
	HandshakeTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WebSocket is the production Channel implementation: one websocket to the
// gateway endpoint for a tenant, with exponential-backoff reconnection on
// unexpected closure. All methods return immediately.
type WebSocket struct {
	url        string
	log        *slog.Logger
	dialer     *websocket.Dialer
	maxRetries int

	handlerMu sync.RWMutex
	handler   Handler

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	closed         bool
	retries        int
	reconnectTimer *time.Timer
	dialCancel     context.CancelFunc
	bo             *backoff.ExponentialBackOff

	writeMu   sync.Mutex
	connected atomic.Bool
}

var _ Channel = (*WebSocket)(nil)

// NewWebSocket creates a channel for the given gateway endpoint URL.
func NewWebSocket(url string, opts Options) *WebSocket {
	opts.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &WebSocket{
		url:        url,
		log:        opts.Logger.With("component", "channel", "url", url),
		dialer:     &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		maxRetries: opts.MaxRetries,
		bo:         bo,
	}
}

// Connect opens the transport asynchronously. No-op while a dial is in
// flight or the transport is already open.
func (c *WebSocket) Connect() {
	c.mu.Lock()
	if c.connecting || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.closed = false
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.mu.Unlock()

	go c.dial(ctx, cancel)
}

func (c *WebSocket) dial(ctx context.Context, cancel context.CancelFunc) {
	// Once the dial has completed the context only held the abort path open;
	// an established connection is unaffected by the cancel.
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil && resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.connecting = false
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("gateway dial failed", "error", err)
		c.scheduleReconnect()
		return
	}
	c.conn = conn
	c.retries = 0
	c.bo.Reset()
	c.mu.Unlock()

	c.connected.Store(true)
	c.log.Info("gateway transport open")

	go c.readLoop(conn)
}

func (c *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			// Malformed inbound messages are dropped.
			c.log.Debug("dropping malformed message", "error", err)
			continue
		}

		c.handlerMu.RLock()
		h := c.handler
		c.handlerMu.RUnlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *WebSocket) handleClosure(conn *websocket.Conn, err error) {
	conn.Close()
	c.connected.Store(false)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	c.log.Warn("gateway transport closed unexpectedly", "error", err)
	c.scheduleReconnect()
}

func (c *WebSocket) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.retries >= c.maxRetries {
		c.log.Error("reconnect attempts exhausted, channel stays closed",
			"attempts", c.retries)
		return
	}
	c.retries++
	delay := c.bo.NextBackOff()
	c.log.Info("scheduling reconnect", "attempt", c.retries, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, c.Connect)
}

// Send transmits an envelope, dropping it with ErrNotConnected when the
// transport is down.
func (c *WebSocket) Send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// OnMessage registers the single inbound handler.
func (c *WebSocket) OnMessage(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Disconnect closes the transport with a normal-closure frame, aborts any
// dial in flight, cancels any pending reconnect and resets the retry
// counter. Idempotent.
func (c *WebSocket) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.connecting = false
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.retries = 0
	c.bo.Reset()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.connected.Store(false)

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		c.log.Info("gateway transport closed")
	}
}

// IsConnected reports the transport-level connection flag.
func (c *WebSocket) IsConnected() bool {
	return c.connected.Load()
}
