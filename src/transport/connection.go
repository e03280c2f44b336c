// Package transport owns the single live connection to the chat backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrConnectAborted is returned when Disconnect runs while a handshake is in flight.
var ErrConnectAborted = errors.New("connect aborted by disconnect")

// Options configures a Connection.
type Options struct {
	URL            string
	PingInterval   time.Duration
	TypingInterval time.Duration
}

// OptionsFromConfig derives connection options from the client config.
func OptionsFromConfig(cfg *config.ClientConfig) Options {
	return Options{
		URL:            cfg.WebSocketURL(),
		PingInterval:   cfg.PingInterval.Duration,
		TypingInterval: cfg.TypingInterval.Duration,
	}
}

// Connection is the process-wide transport. There is no automatic
// reconnect: callers decide when to call Connect again.
type Connection struct {
	opts   Options
	dialer Dialer
	events *events.Broadcaster
	logger zerolog.Logger

	mu       sync.Mutex
	state    types.ConnectionState
	conn     types.Conn
	connID   string
	gen      uint64
	done     chan struct{}
	watchers map[uint64]chan bool
	nextW    uint64
	typing   map[string]*rate.Limiter

	wmu sync.Mutex // one writer at a time
}

// New creates a disconnected Connection publishing to bus.
func New(opts Options, dialer Dialer, bus *events.Broadcaster, logger zerolog.Logger) *Connection {
	return &Connection{
		opts:     opts,
		dialer:   dialer,
		events:   bus,
		logger:   logger.With().Str("component", "transport").Logger(),
		watchers: make(map[uint64]chan bool),
		typing:   make(map[string]*rate.Limiter),
	}
}

// Events returns the decoded event stream.
func (c *Connection) Events() *events.Broadcaster { return c.events }

// State returns the current connection state.
func (c *Connection) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is live.
func (c *Connection) IsConnected() bool {
	return c.State() == types.Connected
}

// Watch returns a channel carrying the latest connectivity value, starting
// with the current one. Only the most recent value is buffered.
func (c *Connection) Watch() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextW++
	id := c.nextW
	ch := make(chan bool, 1)
	ch <- c.state == types.Connected
	c.watchers[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}
}

// Connect opens the connection, authenticating with token. It is a no-op
// while a connection is already Connecting or Connected.
func (c *Connection) Connect(ctx context.Context, token string) error {
	if token == "" {
		return types.ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.state != types.Disconnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug().Str("state", state.String()).Msg("connect ignored")
		return nil
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(types.Connecting)
	c.mu.Unlock()

	c.logger.Info().Str("url", c.opts.URL).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, err := c.dialer.Dial(ctx, c.opts.URL, header)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrConnectAborted
	}
	if err != nil {
		c.setStateLocked(types.Disconnected)
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("connect failed")
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	c.connID = uuid.New().String()
	c.done = make(chan struct{})
	done := c.done
	c.setStateLocked(types.Connected)
	connID := c.connID
	c.mu.Unlock()

	c.logger.Info().Str("conn_id", connID).Msg("connected")

	go c.readLoop(gen, conn)
	if p, ok := conn.(Pinger); ok && c.opts.PingInterval > 0 {
		go c.pingLoop(gen, p, done)
	}
	return nil
}

// Disconnect closes the connection from any state. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	wasDown := c.state == types.Disconnected
	c.teardownLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !wasDown {
		c.logger.Info().Msg("disconnected")
	}
}

// Close disconnects and closes every event subscription.
func (c *Connection) Close() {
	c.Disconnect()
	c.events.Close()
}

// Send writes a send_message frame. It fails fast when not connected; there
// is no queueing.
func (c *Connection) Send(conversationID, content string) error {
	return c.write(events.NewSendMessageFrame(conversationID, content))
}

// SendTyping writes a typing frame, throttled per conversation. Failures are
// logged and otherwise ignored.
func (c *Connection) SendTyping(conversationID string) {
	if !c.IsConnected() {
		return
	}
	if !c.allowTyping(conversationID) {
		return
	}
	if err := c.write(events.NewTypingFrame(conversationID)); err != nil {
		c.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("typing not sent")
	}
}

func (c *Connection) allowTyping(conversationID string) bool {
	if c.opts.TypingInterval <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.typing[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.opts.TypingInterval), 1)
		c.typing[conversationID] = lim
	}
	return lim.Allow()
}

func (c *Connection) write(frame any) error {
	c.mu.Lock()
	conn, gen := c.conn, c.gen
	live := c.state == types.Connected && conn != nil
	c.mu.Unlock()
	if !live {
		return types.ErrNotConnected
	}

	c.wmu.Lock()
	err := conn.WriteJSON(frame)
	c.wmu.Unlock()
	if err != nil {
		c.drop(gen, err)
		return fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}
	return nil
}

// readLoop is the only reader, so frames are published in arrival order.
func (c *Connection) readLoop(gen uint64, conn types.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(gen, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := events.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		c.logger.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("frame received")
		c.events.Publish(ev)
	}
}

func (c *Connection) pingLoop(gen uint64, p Pinger, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := p.Ping()
			c.wmu.Unlock()
			if err != nil {
				c.drop(gen, err)
				return
			}
		}
	}
}

// drop tears down the connection identified by gen. Stale generations are
// ignored so an old loop cannot flip a newer connection's state.
func (c *Connection) drop(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state == types.Disconnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.teardownLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Warn().Err(cause).Msg("connection lost")
}

// teardownLocked must be called with mu held.
func (c *Connection) teardownLocked() {
	c.conn = nil
	c.connID = ""
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.typing = make(map[string]*rate.Limiter)
	c.setStateLocked(types.Disconnected)
}

// setStateLocked must be called with mu held.
func (c *Connection) setStateLocked(s types.ConnectionState) {
	was := c.state == types.Connected
	c.state = s
	now := s == types.Connected
	if was == now {
		return
	}
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- now
	}
}
