package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/metrics"
)

const writeWait = 5 * time.Second

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrConnect      = errors.New("relay connect failed")
)

// Client is the relay channel over a websocket. Inbound events are decoded in
// a read pump and delivered on Events; the channel closes when the pump exits.
type Client struct {
	url     string
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	events  chan core.RelayInbound

	writeMu sync.Mutex

	mu     sync.RWMutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		events: make(chan core.RelayInbound, 32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the relay and starts the read pump. A Client connects once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil || c.cancel != nil {
		return fmt.Errorf("%w: already used", ErrConnect)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel

	go c.readPump(pumpCtx, conn)
	log.Info().Str("module", "relay").Str("url", c.url).Msg("connected")
	return nil
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) Events() <-chan core.RelayInbound { return c.events }

// Emit encodes ev and writes it. The write deadline is ctx's deadline, or
// writeWait when ctx has none.
func (c *Client) Emit(ctx context.Context, ev core.RelayEvent) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("emit %s: %w", ev.EventName(), err)
	}
	c.metrics.RelayEvent("out", ev.EventName())
	log.Debug().Str("module", "relay").Str("event", ev.EventName()).Msg("emit")
	return nil
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	reason := "closed"
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		// let a consumer learn about the drop before the channel closes
		select {
		case c.events <- core.Disconnect{Reason: reason}:
		case <-ctx.Done():
		}
		close(c.events)
		log.Info().Str("module", "relay").Str("reason", reason).Msg("readPump closing")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "relay").Msg("readPump read error")
				reason = err.Error()
			}
			return
		}
		ev, err := Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("bad relay message")
			continue
		}
		if d, ok := ev.(core.Disconnect); ok {
			reason = "relay disconnect"
			if d.Reason != "" {
				reason = d.Reason
			}
			c.metrics.RelayEvent("in", "disconnect")
			return
		}
		c.metrics.RelayEvent("in", eventName(ev))
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the read pump and closes the connection. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func eventName(ev core.RelayInbound) string {
	switch ev.(type) {
	case core.Status:
		return "status"
	case core.RemoteAnswer:
		return "answer"
	case core.RemoteOffer:
		return "candidates"
	case core.RemoteCandidate:
		return "ice_candidate"
	case core.Disconnect:
		return "disconnect"
	}
	return "unknown"
}
