// Package chatsync keeps each open conversation's message list in sync with
// the backend: an initial history fetch merged with live events from the
// shared transport.
package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/api"
	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

const (
	peerTypingTimeout   = 3 * time.Second
	notAuthenticatedMsg = "not authenticated"
)

// HistoryFetcher loads a conversation's stored messages.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, conversationID string) ([]types.Message, error)
}

// Transport is the shared live connection as seen by a conversation.
type Transport interface {
	Send(conversationID, content string) error
	SendTyping(conversationID string)
	Events() *events.Broadcaster
	Watch() (<-chan bool, func())
}

// Identity reports the signed-in user.
type Identity interface {
	UserID() (string, bool)
}

// ViewState is a snapshot of one conversation as shown to the user.
type ViewState struct {
	Messages    []types.Message
	IsLoading   bool
	IsSending   bool
	IsConnected bool
	PeerTyping  bool
	Error       string
}

func (s ViewState) clone() ViewState {
	s.Messages = append([]types.Message(nil), s.Messages...)
	return s
}

// Conversation synchronizes one conversation. Use Open to start and Close to
// release its subscription; the transport itself is never torn down here.
type Conversation struct {
	id        string
	history   HistoryFetcher
	transport Transport
	identity  Identity
	logger    zerolog.Logger
	typingTTL time.Duration

	mu          sync.Mutex
	peerID      string // other participant, empty until known
	state       ViewState
	open        bool
	cancel      context.CancelFunc
	fetchCancel context.CancelFunc
	fetchGen    uint64
	pendingLive []types.Message // live messages seen while a fetch is in flight
	sub         *events.Subscription
	typingTimer *time.Timer
	watchers    map[uint64]chan ViewState
	nextW       uint64
	wg          sync.WaitGroup
}

// NewConversation creates a closed Conversation for id. peerID is the other
// participant; when empty it is learned from the first message they send.
func NewConversation(id, peerID string, history HistoryFetcher, transport Transport, identity Identity, logger zerolog.Logger) *Conversation {
	return &Conversation{
		id:        id,
		peerID:    peerID,
		history:   history,
		transport: transport,
		identity:  identity,
		logger:    logger.With().Str("component", "chatsync").Str("conversation_id", id).Logger(),
		typingTTL: peerTypingTimeout,
		watchers:  make(map[uint64]chan ViewState),
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// PeerID returns the other participant, or "" while unknown.
func (c *Conversation) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// SetPeer records the other participant. An empty id is ignored.
func (c *Conversation) SetPeer(peerID string) {
	if peerID == "" {
		return
	}
	c.mu.Lock()
	c.peerID = peerID
	c.mu.Unlock()
}

// State returns a copy of the current view state.
func (c *Conversation) State() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Watch returns a channel carrying the latest view state, starting with the
// current one. Only the most recent state is buffered.
func (c *Conversation) Watch() (<-chan ViewState, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextW++
	id := c.nextW
	ch := make(chan ViewState, 1)
	ch <- c.state.clone()
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

// Open subscribes to live events and starts a history fetch. Calling Open on
// an open conversation only refetches, which is how callers retry after an
// error.
func (c *Conversation) Open(ctx context.Context) {
	if _, ok := c.identity.UserID(); !ok {
		c.mu.Lock()
		c.state.IsLoading = false
		c.state.Error = notAuthenticatedMsg
		c.publishLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if !c.open {
		c.open = true
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.sub = c.transport.Events().Subscribe(c.filter)
		connected, stopWatch := c.transport.Watch()

		c.wg.Add(2)
		go c.consume(c.sub)
		go c.followConnectivity(runCtx, connected, stopWatch)
		c.logger.Debug().Msg("opened")
	}
	c.startFetchLocked(ctx)
	c.mu.Unlock()
}

// Close cancels the in-flight fetch and the event subscription. Results that
// arrive afterwards are discarded. Safe to call more than once.
func (c *Conversation) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.fetchGen++
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	c.cancel()
	c.sub.Cancel()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.pendingLive = nil
	c.state.IsLoading = false
	c.state.PeerTyping = false
	c.publishLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Debug().Msg("closed")
}

// Send asks the transport to deliver content. Blank content is ignored
// without touching the network. The message only appears in the list once
// the server echoes it back as a live event.
func (c *Conversation) Send(ctx context.Context, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	c.mu.Lock()
	c.state.IsSending = true
	c.state.Error = ""
	c.publishLocked()
	c.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		err = c.transport.Send(c.id, content)
	}

	c.mu.Lock()
	c.state.IsSending = false
	if err != nil {
		c.state.Error = errorText(err)
		c.logger.Warn().Err(err).Msg("send failed")
	}
	c.publishLocked()
	c.mu.Unlock()
}

// Typing tells the peer the user is typing. Best effort.
func (c *Conversation) Typing() {
	c.transport.SendTyping(c.id)
}

// filter accepts message and typing events for this conversation. Typing
// frames without a conversation id are accepted too.
func (c *Conversation) filter(ev events.Event) bool {
	switch e := ev.(type) {
	case events.NewMessage:
		return e.Message.ConversationID == c.id
	case events.Typing:
		// Frames without a conversation id are matched on the sender in applyTyping.
		return e.ConversationID == c.id || e.ConversationID == ""
	default:
		return false
	}
}

// startFetchLocked must be called with mu held.
func (c *Conversation) startFetchLocked(ctx context.Context) {
	if c.fetchCancel != nil {
		c.fetchCancel()
	}
	c.fetchGen++
	gen := c.fetchGen
	fetchCtx, cancel := context.WithCancel(ctx)
	c.fetchCancel = cancel
	c.pendingLive = []types.Message{}
	c.state.IsLoading = true
	c.state.Error = ""
	c.publishLocked()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		msgs, err := c.history.ListMessages(fetchCtx, c.id)
		c.finishFetch(gen, msgs, err)
	}()
}

func (c *Conversation) finishFetch(gen uint64, msgs []types.Message, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.fetchGen || !c.open {
		return
	}
	c.fetchCancel = nil
	c.state.IsLoading = false
	if err != nil {
		c.state.Error = errorText(err)
		c.pendingLive = nil
		c.logger.Warn().Err(err).Msg("history fetch failed")
		c.publishLocked()
		return
	}
	c.state.Messages = mergeMessages(msgs, c.pendingLive...)
	c.pendingLive = nil
	for _, m := range c.state.Messages {
		c.learnPeerLocked(m.SenderID)
	}
	c.logger.Debug().Int("messages", len(c.state.Messages)).Msg("history loaded")
	c.publishLocked()
}

func (c *Conversation) consume(sub *events.Subscription) {
	defer c.wg.Done()
	for ev := range sub.C() {
		switch e := ev.(type) {
		case events.NewMessage:
			c.applyMessage(e.Message)
		case events.Typing:
			c.applyTyping(e)
		}
	}
}

func (c *Conversation) applyMessage(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return
	}
	if c.pendingLive != nil && !containsID(c.pendingLive, msg.ID) {
		c.pendingLive = append(c.pendingLive, msg)
	}
	c.learnPeerLocked(msg.SenderID)
	changed := false
	if c.state.PeerTyping && c.isPeer(msg.SenderID) {
		c.stopPeerTypingLocked()
		changed = true
	}
	if !containsID(c.state.Messages, msg.ID) {
		c.state.Messages = mergeMessages(c.state.Messages, msg)
		changed = true
	}
	if changed {
		c.publishLocked()
	}
}

func (c *Conversation) applyTyping(ev events.Typing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || !c.isPeer(ev.UserID) {
		return
	}
	if ev.ConversationID == "" && ev.UserID != c.peerID {
		return
	}
	c.state.PeerTyping = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingTTL, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state.PeerTyping {
			c.stopPeerTypingLocked()
			c.publishLocked()
		}
	})
	c.publishLocked()
}

func (c *Conversation) isPeer(userID string) bool {
	self, _ := c.identity.UserID()
	return userID != "" && userID != self
}

// learnPeerLocked must be called with mu held.
func (c *Conversation) learnPeerLocked(senderID string) {
	if c.peerID == "" && c.isPeer(senderID) {
		c.peerID = senderID
	}
}

// stopPeerTypingLocked must be called with mu held.
func (c *Conversation) stopPeerTypingLocked() {
	c.state.PeerTyping = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}

func (c *Conversation) followConnectivity(ctx context.Context, connected <-chan bool, stop func()) {
	defer c.wg.Done()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-connected:
			if !ok {
				return
			}
			c.mu.Lock()
			if c.state.IsConnected != v {
				c.state.IsConnected = v
				c.publishLocked()
			}
			c.mu.Unlock()
		}
	}
}

// publishLocked must be called with mu held.
func (c *Conversation) publishLocked() {
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- c.state.clone()
	}
}

func errorText(err error) string {
	if api.IsUnauthorized(err) {
		return notAuthenticatedMsg
	}
	return err.Error()
}
