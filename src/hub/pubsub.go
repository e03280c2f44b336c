package hub

import (
	"encoding/json"

	"github.com/orchestra-mcp/chatsync/src/events"
)

func (h *Hub) handleInbound(in inbound) {
	var frame events.Inbound
	if err := json.Unmarshal(in.data, &frame); err != nil {
		h.logger.Warn().Err(err).Str("client_id", in.clientID).Msg("malformed client frame")
		return
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		h.logger.Debug().Str("type", frame.Type).Msg("no handler")
		return
	}

	deliveries, err := handler(in.userID, frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", frame.Type).Str("user_id", in.userID).Msg("handler error")
		return
	}
	for _, d := range deliveries {
		h.publishToBridge(d)
		h.deliverLocal(d)
	}
}

func (h *Hub) deliverLocal(d Delivery) {
	h.mu.RLock()
	// Copy targets to avoid holding the lock during sends.
	targets := make([]*Client, 0, len(d.UserIDs))
	for _, uid := range d.UserIDs {
		for id := range h.users[uid] {
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(d.Frame) {
			h.logger.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards a delivery to the bridge if one is attached.
func (h *Hub) publishToBridge(d Delivery) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(d); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

// NewDelivery marshals frame and addresses it to userIDs.
func NewDelivery(frame any, userIDs ...string) (Delivery, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{UserIDs: userIDs, Frame: data}, nil
}

// OnConnection registers a callback for new connections.
func (h *Hub) OnConnection(cb func(userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections.
func (h *Hub) OnDisconnection(cb func(userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
