// Package wsclient provides a reusable WebSocket client with automatic
// reconnection, exponential backoff and keep-alive handling. Both stream
// clients (source market data, destination account stream) are built on it.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mmengine/internal/core"
	"mmengine/pkg/retry"
)

// MessageHandler handles one incoming frame. Decode errors inside the
// handler must be swallowed by the caller; a handler error never tears the
// connection down.
type MessageHandler func(message []byte)

// Config tunes a client. Zero values pick the defaults below.
type Config struct {
	URL           string
	Header        http.Header
	PingInterval  time.Duration // 0 disables client-side pings
	PongWait      time.Duration
	WriteWait     time.Duration
	MaxSessionAge time.Duration // venue session lifetime; reconnect before it lapses
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int // consecutive failures before Run returns an error
}

func (c *Config) applyDefaults() {
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = 23 * time.Hour
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 30
	}
}

// Client is a resilient WebSocket client.
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  core.Logger

	conn *websocket.Conn
	mu   sync.Mutex

	onConnected func() // resubscribe hook
}

// NewClient creates a client for the given config.
func NewClient(cfg Config, handler MessageHandler, logger core.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithField("component", "ws_client").WithField("url", cfg.URL),
	}
}

// SetOnConnected sets the callback invoked after each (re)connection.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message over the connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteJSON(message)
}

// Run connects and reads frames until the context is cancelled. Connection
// loss triggers reconnection with exponential backoff; the session is also
// cycled before the venue's session lifetime lapses. Returns nil on context
// cancellation, or an error after MaxReconnects consecutive failures.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	policy := retry.Policy{
		MaxAttempts:    c.cfg.MaxReconnects,
		InitialBackoff: c.cfg.ReconnectBase,
		MaxBackoff:     c.cfg.ReconnectMax,
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.connect(ctx); err != nil {
			failures++
			if failures >= c.cfg.MaxReconnects {
				return fmt.Errorf("websocket gave up after %d consecutive failures: %w", failures, err)
			}
			wait := retry.Backoff(policy, failures-1)
			c.logger.Error("websocket connect failed", "error", err, "retry_in", wait, "failures", failures)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		onConnected := c.onConnected
		c.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}

		sessionCtx, cancelSession := context.WithTimeout(ctx, c.cfg.MaxSessionAge)
		c.runSession(sessionCtx)
		cancelSession()
		c.closeConn()

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Info("websocket session ended, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectBase):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})
	// Venues ping from the server side; answering resets our read deadline.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("websocket connected")
	return nil
}

// runSession reads frames until the connection drops or the session context
// expires. A heartbeat goroutine keeps the connection alive when configured.
func (c *Client) runSession(ctx context.Context) {
	var wg sync.WaitGroup
	hbCtx, cancelHb := context.WithCancel(ctx)
	defer cancelHb()

	if c.cfg.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeat(hbCtx)
		}()
	}

	// Close the connection when the session ends (context expiry or read
	// failure) so the blocking read below returns.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-hbCtx.Done()
		c.closeConn()
	}()

	c.readLoop()
	cancelHb()
	wg.Wait()
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if c.handler != nil {
			c.handler(message)
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
