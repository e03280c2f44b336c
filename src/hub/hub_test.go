package hub_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu       sync.Mutex
	written  []json.RawMessage
	readCh   chan []byte
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.readCh:
		return websocket.TextMessage, data, nil
	case <-m.closedCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.written))
	for i, w := range m.written {
		out[i] = string(w)
	}
	return out
}

// newTestHub creates a hub and starts its event loop in a goroutine.
func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(zerolog.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// connect creates, registers, and starts a mock client with both pumps.
func connect(t *testing.T, h *hub.Hub, id, userID string) (*hub.Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := hub.NewClient(id, userID, conn, h)
	h.Register(client)
	go client.WritePump()
	go client.ReadPump()
	require.Eventually(t, func() bool { return h.IsOnline(userID) }, time.Second, time.Millisecond)
	return client, conn
}

type recordingBridge struct {
	mu   sync.Mutex
	sent []hub.Delivery
}

func (b *recordingBridge) Publish(d hub.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, d)
	return nil
}

func (b *recordingBridge) Available() bool { return true }

func (b *recordingBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func TestRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)

	c1, _ := connect(t, h, "c1", "alice")
	connect(t, h, "c2", "alice")
	connect(t, h, "c3", "bob")
	assert.Equal(t, 3, h.ClientCount())

	h.Unregister(c1)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)
	assert.True(t, h.IsOnline("alice"), "alice still has a second connection")
}

func TestClosedConnectionUnregisters(t *testing.T) {
	h := newTestHub(t)
	_, conn := connect(t, h, "c1", "alice")

	conn.Close()
	require.Eventually(t, func() bool { return !h.IsOnline("alice") }, time.Second, time.Millisecond)
}

func TestDeliverReachesOnlyAddressedUsers(t *testing.T) {
	h := newTestHub(t)
	_, alice := connect(t, h, "c1", "alice")
	_, alicePhone := connect(t, h, "c2", "alice")
	_, bob := connect(t, h, "c3", "bob")

	d, err := hub.NewDelivery(events.ConnectedFrame{Type: events.TypeConnected}, "alice")
	require.NoError(t, err)
	h.Deliver(d)

	require.Eventually(t, func() bool { return len(alice.frames()) == 1 && len(alicePhone.frames()) == 1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"connected"}`, alice.frames()[0])
	assert.Empty(t, bob.frames())
}

func TestInboundHandlerDeliveries(t *testing.T) {
	h := newTestHub(t)

	var mu sync.Mutex
	var seen []events.Inbound
	h.SetHandler(func(userID string, frame events.Inbound) ([]hub.Delivery, error) {
		mu.Lock()
		seen = append(seen, frame)
		mu.Unlock()
		d, err := hub.NewDelivery(events.TypingNotice{Type: events.TypeTyping, UserID: userID, ConversationID: frame.ConversationID}, "bob")
		return []hub.Delivery{d}, err
	})

	_, alice := connect(t, h, "c1", "alice")
	_, bob := connect(t, h, "c2", "bob")

	alice.readCh <- []byte(`{garbage`)
	alice.readCh <- []byte(`{"type":"typing","conversationId":"conv1"}`)

	require.Eventually(t, func() bool { return len(bob.frames()) == 1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"typing","userId":"alice","conversationId":"conv1"}`, bob.frames()[0])
	assert.Empty(t, alice.frames())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "malformed frames never reach the handler")
	assert.Equal(t, "conv1", seen[0].ConversationID)
}

func TestHandlerErrorDeliversNothing(t *testing.T) {
	h := newTestHub(t)
	h.SetHandler(func(string, events.Inbound) ([]hub.Delivery, error) {
		return nil, errors.New("forbidden")
	})
	_, alice := connect(t, h, "c1", "alice")

	alice.readCh <- []byte(`{"type":"send_message","conversationId":"conv1","content":"hi"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, alice.frames())
}

func TestBridgeReceivesDeliveriesButNotLocalCasts(t *testing.T) {
	h := newTestHub(t)
	b := &recordingBridge{}
	h.SetBridge(b)
	_, alice := connect(t, h, "c1", "alice")

	d, err := hub.NewDelivery(events.ConnectedFrame{Type: events.TypeConnected}, "alice")
	require.NoError(t, err)

	h.Deliver(d)
	require.Eventually(t, func() bool { return b.count() == 1 }, time.Second, time.Millisecond)

	h.DeliverLocal(d)
	require.Eventually(t, func() bool { return len(alice.frames()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, b.count(), "bridge deliveries are not re-published")
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t)

	var mu sync.Mutex
	var connected, disconnected []string
	h.OnConnection(func(uid string) {
		mu.Lock()
		connected = append(connected, uid)
		mu.Unlock()
	})
	h.OnDisconnection(func(uid string) {
		mu.Lock()
		disconnected = append(disconnected, uid)
		mu.Unlock()
	})

	c, _ := connect(t, h, "c1", "alice")
	h.Unregister(c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice"}, connected)
	assert.Equal(t, []string{"alice"}, disconnected)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	h := newTestHub(t)
	c := hub.NewClient("c1", "alice", newMockConn(), h)
	assert.True(t, c.Enqueue(events.ConnectedFrame{Type: events.TypeConnected}))
	c.Close()
	c.Close()
	assert.False(t, c.Enqueue(events.ConnectedFrame{Type: events.TypeConnected}))
}
