package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns the open conversations of one session, one per id.
type Manager struct {
	history   HistoryFetcher
	transport Transport
	identity  Identity
	logger    zerolog.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewManager creates an empty Manager.
func NewManager(history HistoryFetcher, transport Transport, identity Identity, logger zerolog.Logger) *Manager {
	return &Manager{
		history:   history,
		transport: transport,
		identity:  identity,
		logger:    logger,
		convs:     make(map[string]*Conversation),
	}
}

// Open returns the conversation for id, creating it if needed, and opens it.
// Opening an already open conversation refetches its history. peerID may be
// empty when the other participant is not known yet.
func (m *Manager) Open(ctx context.Context, id, peerID string) *Conversation {
	m.mu.Lock()
	conv, ok := m.convs[id]
	if !ok {
		conv = NewConversation(id, peerID, m.history, m.transport, m.identity, m.logger)
		m.convs[id] = conv
	}
	m.mu.Unlock()

	conv.SetPeer(peerID)
	conv.Open(ctx)
	return conv
}

// Get returns the conversation for id if it is being tracked.
func (m *Manager) Get(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	return conv, ok
}

// Close closes and forgets the conversation for id.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	conv, ok := m.convs[id]
	delete(m.convs, id)
	m.mu.Unlock()

	if ok {
		conv.Close()
	}
}

// CloseAll closes every tracked conversation.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	convs := m.convs
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()

	for _, conv := range convs {
		conv.Close()
	}
}

// Len returns the number of tracked conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}
