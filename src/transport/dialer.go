package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// Dialer opens one authenticated connection to the real-time endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (types.Conn, error)
}

// Pinger is implemented by connections that support keepalive pings.
type Pinger interface {
	Ping() error
}

// WebSocketDialer dials the backend with fasthttp/websocket.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWebSocketDialer builds a dialer from the client configuration.
func NewWebSocketDialer(cfg *config.ClientConfig) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout.Duration,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		writeTimeout: cfg.WriteTimeout.Duration,
	}
}

// WithNetDial replaces the network dial function. Used to dial in-memory
// listeners in tests.
func (d *WebSocketDialer) WithNetDial(fn func(ctx context.Context, network, addr string) (net.Conn, error)) *WebSocketDialer {
	d.dialer.NetDialContext = fn
	return d
}

// Dial performs the WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (types.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", types.ErrUnauthorized, resp.StatusCode)
		}
		return nil, err
	}
	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn and Pinger.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) ReadMessage() (int, []byte, error) { return w.conn.ReadMessage() }

func (w *wsConn) WriteJSON(v any) error {
	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Ping() error {
	timeout := w.writeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (w *wsConn) Close() error { return w.conn.Close() }
