package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// Client wraps one user's WebSocket connection and manages message flow.
type Client struct {
	ID          string
	UserID      string
	conn        types.Conn
	hub         *Hub
	send        chan json.RawMessage
	connectedAt time.Time
	mu          sync.Mutex
	done        chan struct{}
	closed      bool
}

// NewClient creates a new WebSocket client wrapper.
func NewClient(id, userID string, conn types.Conn, h *Hub) *Client {
	return &Client{
		ID:          id,
		UserID:      userID,
		conn:        conn,
		hub:         h,
		send:        make(chan json.RawMessage, 256),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// ConnectedAt returns when the client connected.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Enqueue queues a frame for this client only.
func (c *Client) Enqueue(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(frame json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket and routes them to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.hub.incoming <- inbound{clientID: c.ID, userID: c.UserID, data: data}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump writes queued frames to the WebSocket.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
