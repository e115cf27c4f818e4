package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSChannelConfig configures the websocket realtime channel.
type WSChannelConfig struct {
	// URL is the stream endpoint, e.g. "wss://sync.example.com/v1/stream".
	URL string

	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// DeviceID identifies this device to the backend.
	DeviceID string

	// PongWait is how long a silent connection is allowed to live.
	PongWait time.Duration

	// PingInterval is how often to ping the server. Must be under PongWait.
	PingInterval time.Duration

	// WriteTimeout bounds control frame writes.
	WriteTimeout time.Duration

	// ReconnectBackoff is the first redial delay after a drop.
	ReconnectBackoff time.Duration

	// MaxReconnectBackoff caps the redial delay.
	MaxReconnectBackoff time.Duration

	// BufferSize is the update channel buffer.
	BufferSize int
}

// DefaultWSChannelConfig returns defaults tuned for field devices on flaky
// cellular links.
func DefaultWSChannelConfig() WSChannelConfig {
	return WSChannelConfig{
		PongWait:            60 * time.Second,
		PingInterval:        30 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReconnectBackoff:    time.Second,
		MaxReconnectBackoff: 30 * time.Second,
		BufferSize:          256,
	}
}

// WSChannel streams remote updates over a websocket and redials with
// exponential backoff whenever the link drops. Delivery is best effort:
// frames that arrive while the consumer is behind are dropped and recovered
// later through the pull cursor.
type WSChannel struct {
	config  WSChannelConfig
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	subscribed bool
	connected  bool
	closed     bool
	cancel     context.CancelFunc

	updates chan RemoteUpdate

	reconnects int64
	received   int64
	dropped    int64
}

// NewWSChannel creates the channel. The connection is not dialed until
// Subscribe is called.
func NewWSChannel(config WSChannelConfig, logger *slog.Logger, metrics *Metrics) *WSChannel {
	def := DefaultWSChannelConfig()
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongWait {
		config.PingInterval = config.PongWait * 9 / 10
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = def.ReconnectBackoff
	}
	if config.MaxReconnectBackoff < config.ReconnectBackoff {
		config.MaxReconnectBackoff = def.MaxReconnectBackoff
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		config:  config,
		logger:  logger,
		metrics: metrics,
		updates: make(chan RemoteUpdate, config.BufferSize),
	}
}

// Subscribe implements RealtimeChannel. It may be called once; the returned
// channel closes when ctx is canceled or the channel is closed.
func (c *WSChannel) Subscribe(ctx context.Context) (<-chan RemoteUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.subscribed {
		return nil, fmt.Errorf("websocket channel already subscribed")
	}
	if c.config.URL == "" {
		return nil, fmt.Errorf("websocket channel: URL is empty")
	}
	c.subscribed = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return c.updates, nil
}

// Close implements RealtimeChannel.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// run dials, reads until the connection fails, and redials. The backoff
// resets after every successful dial.
func (c *WSChannel) run(ctx context.Context) {
	defer close(c.updates)

	backoff := c.config.ReconnectBackoff
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("realtime dial failed", "url", c.config.URL, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.MaxReconnectBackoff {
				backoff = c.config.MaxReconnectBackoff
			}
			continue
		}
		backoff = c.config.ReconnectBackoff

		c.mu.Lock()
		c.connected = true
		if !first {
			c.reconnects++
		}
		c.mu.Unlock()
		if !first {
			c.metrics.observeReconnect()
		}
		first = false
		c.logger.Info("realtime connected", "url", c.config.URL)

		c.readLoop(ctx, conn)
		_ = conn.Close()

		c.mu.Lock()
		c.connected = false
		done := c.closed
		c.mu.Unlock()
		if done || ctx.Err() != nil {
			return
		}
		c.logger.Warn("realtime disconnected", "url", c.config.URL)
	}
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
	if c.config.DeviceID != "" {
		header.Set("X-Fieldsync-Device", c.config.DeviceID)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: status %d: %w", c.config.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	return conn, nil
}

// readLoop decodes frames into RemoteUpdates until the read fails. A ping
// goroutine keeps the connection alive and tears it down on ctx cancel.
func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("realtime read failed", "error", err)
			}
			return
		}
		var u RemoteUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			c.logger.Warn("realtime frame discarded", "error", err)
			continue
		}
		select {
		case c.updates <- u:
			c.mu.Lock()
			c.received++
			c.mu.Unlock()
		default:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			c.logger.Warn("realtime update dropped, consumer behind", "server_seq", u.ServerSeq)
		}
	}
}

func (c *WSChannel) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			deadline := time.Now().Add(c.config.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// WSChannelStats is a point-in-time snapshot of channel health.
type WSChannelStats struct {
	Connected  bool  `json:"connected"`
	Reconnects int64 `json:"reconnects"`
	Received   int64 `json:"received"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current channel statistics.
func (c *WSChannel) Stats() WSChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WSChannelStats{
		Connected:  c.connected,
		Reconnects: c.reconnects,
		Received:   c.received,
		Dropped:    c.dropped,
	}
}
