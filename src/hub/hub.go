// Package hub routes frames between connected users on the reference backend.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/rs/zerolog"
)

// Delivery is a frame addressed to a set of users.
type Delivery struct {
	UserIDs []string        `json:"user_ids"`
	Frame   json.RawMessage `json:"frame"`
}

// InboundHandler processes a frame sent by userID and returns the deliveries
// it produces.
type InboundHandler func(userID string, frame events.Inbound) ([]Delivery, error)

// MessageBridge relays deliveries to other backend instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(d Delivery) error
	Available() bool
}

type inbound struct {
	clientID string
	userID   string
	data     []byte
}

// Hub tracks connected clients by user and delivers frames to them.
type Hub struct {
	clients map[string]*Client         // client id -> client
	users   map[string]map[string]bool // user id -> set of client ids

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	deliver    chan Delivery
	localCast  chan Delivery // deliveries from the bridge, no re-publish

	handler   InboundHandler
	onConnect []func(userID string)
	onDisconn []func(userID string)

	bridge MessageBridge
	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

// New creates a new Hub instance.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		users:      make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inbound, 256),
		deliver:    make(chan Delivery, 256),
		localCast:  make(chan Delivery, 256),
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// SetHandler sets the handler for frames sent by clients.
func (h *Hub) SetHandler(fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// SetBridge attaches a cross-instance bridge. Deliveries made through
// Deliver are also forwarded to other instances.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// DeliverLocal delivers a frame from the bridge to local clients only.
// It does not re-publish, preventing loops between instances.
func (h *Hub) DeliverLocal(d Delivery) {
	select {
	case h.localCast <- d:
	case <-h.done:
	}
}

// Deliver queues a frame for the given users on every instance.
func (h *Hub) Deliver(d Delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleInbound(in)
		case d := <-h.deliver:
			h.publishToBridge(d)
			h.deliverLocal(d)
		case d := <-h.localCast:
			h.deliverLocal(d)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop halts the hub event loop. Safe to call more than once.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]bool)
	}
	h.users[c.UserID][c.ID] = true
	cbs := append([]func(string){}, h.onConnect...)
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("client registered")

	for _, cb := range cbs {
		cb(c.UserID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	if set := h.users[c.UserID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	cbs := append([]func(string){}, h.onDisconn...)
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("client unregistered")

	for _, cb := range cbs {
		cb(c.UserID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.users = make(map[string]map[string]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
