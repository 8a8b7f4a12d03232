// Package realtime keeps the push notification channel connected with the
// session's current access token.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/metrics"
	"github.com/marcus-qen/microfin/internal/protocol"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 2 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	pongWait          = 70 * time.Second
)

// Options configures a Client.
type Options struct {
	URL        string
	MaxRetries int
	RetryDelay time.Duration
	Heartbeat  time.Duration
	Logger     *zap.Logger
}

// Client is a WebSocket client that authenticates with a bearer token in its
// first frame. Changing the token reconnects; an empty token disconnects.
type Client struct {
	url        string
	maxRetries int
	retryDelay time.Duration
	heartbeat  time.Duration
	logger     *zap.Logger
	dialer     *websocket.Dialer

	// lifecycle serialises SetToken and Disconnect.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	token     string
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex
	events  chan protocol.Envelope
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = heartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		url:        opts.URL,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		heartbeat:  opts.Heartbeat,
		logger:     opts.Logger.Named("realtime"),
		dialer:     websocket.DefaultDialer,
		events:     make(chan protocol.Envelope, 64),
	}
}

// Events returns inbound notifications and stats updates.
func (c *Client) Events() <-chan protocol.Envelope {
	return c.events
}

// Connected returns true while the channel is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Token returns the credential the channel is using.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken drops the current connection and, for a non-empty token,
// connects again with it.
func (c *Client) SetToken(token string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	if token == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go func() {
		defer close(done)
		c.run(ctx, token)
	}()
}

// Disconnect closes the channel and forgets the token.
func (c *Client) Disconnect() {
	c.SetToken("")
}

// stop ends the current connection loop and waits for it. Callers hold
// lifecycle.
func (c *Client) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "token changed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	<-c.done
	c.cancel, c.done = nil, nil
}

// run connects and reconnects with a fixed delay. After maxRetries failed
// attempts in a row it gives up until the token changes.
func (c *Client) run(ctx context.Context, token string) {
	failures := 0
	for {
		wasConnected, err := c.connectAndServe(ctx, token)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			failures = 0
		}
		failures++
		if failures > c.maxRetries {
			c.logger.Warn("push channel unavailable, waiting for next token change",
				zap.Int("attempts", failures),
				zap.Error(err),
			)
			return
		}
		c.logger.Warn("push channel lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", c.retryDelay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context, token string) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		metrics.RecordRealtimeConnect(false)
		if resp != nil {
			_ = resp.Body.Close()
			return false, fmt.Errorf("dial (status=%d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	hello, err := json.Marshal(protocol.NewEnvelope(protocol.MsgAuth, protocol.AuthPayload{Token: token}))
	if err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("marshal auth: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		_ = conn.Close()
		metrics.RecordRealtimeConnect(false)
		return false, fmt.Errorf("send auth: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	metrics.RecordRealtimeConnect(true)
	c.logger.Info("push channel connected", zap.String("url", c.url))

	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		metrics.RecordRealtimeDisconnect()
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("invalid message", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.MsgPing:
			if err := c.Send(protocol.MsgPong, nil); err != nil {
				c.logger.Debug("pong failed", zap.Error(err))
			}
			continue
		case protocol.MsgError:
			var p protocol.ErrorPayload
			if err := protocol.DecodePayload(env, &p); err == nil {
				c.logger.Warn("push channel error", zap.String("code", p.Code), zap.String("message", p.Message))
			}
		}

		select {
		case c.events <- env:
		default:
			c.logger.Warn("event buffer full, dropping message", zap.String("type", string(env.Type)))
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// Send marshals and writes an envelope to the channel.
func (c *Client) Send(msgType protocol.MessageType, payload any) error {
	data, err := json.Marshal(protocol.NewEnvelope(msgType, payload))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
