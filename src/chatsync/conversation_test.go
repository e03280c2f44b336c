package chatsync

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	mu    sync.Mutex
	msgs  []types.Message
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeHistory) ListMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	f.mu.Lock()
	f.calls++
	gate, msgs, err := f.gate, f.msgs, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return append([]types.Message(nil), msgs...), err
}

func (f *fakeHistory) set(msgs []types.Message, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs, f.err = msgs, err
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTransport struct {
	bus *events.Broadcaster

	mu       sync.Mutex
	sent     []string
	typing   []string
	err      error
	live     bool
	watchers []chan bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bus: events.NewBroadcaster(64, zerolog.Nop()), live: true}
}

func (f *fakeTransport) Send(conversationID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, conversationID+":"+content)
	return nil
}

func (f *fakeTransport) SendTyping(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, conversationID)
}

func (f *fakeTransport) Events() *events.Broadcaster { return f.bus }

func (f *fakeTransport) Watch() (<-chan bool, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan bool, 1)
	ch <- f.live
	f.watchers = append(f.watchers, ch)
	return ch, func() {}
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = v
	for _, ch := range f.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type identity string

func (i identity) UserID() (string, bool) { return string(i), i != "" }

func msg(id string, ts int64) types.Message {
	return types.Message{ID: id, ConversationID: "conv1", SenderID: "peer", Content: "content " + id, Timestamp: ts}
}

func ids(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func newTestConversation(t *testing.T, h *fakeHistory, tr *fakeTransport) *Conversation {
	t.Helper()
	c := NewConversation("conv1", "peer", h, tr, identity("me"), zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, c *Conversation, cond func(ViewState) bool) ViewState {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.State()) }, time.Second, time.Millisecond)
	return c.State()
}

func loaded(s ViewState) bool { return !s.IsLoading }

func deliver(tr *fakeTransport, m types.Message) {
	tr.bus.Publish(events.NewMessage{ConversationID: m.ConversationID, Message: m})
}

func TestOpenLoadsSortedDedupedHistory(t *testing.T) {
	h := &fakeHistory{msgs: []types.Message{msg("m2", 200), msg("m1", 100), msg("m1", 100)}}
	c := newTestConversation(t, h, newFakeTransport())

	c.Open(context.Background())
	s := waitFor(t, c, func(s ViewState) bool { return loaded(s) && s.IsConnected })
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages))
	assert.Empty(t, s.Error)
}

func TestLiveRedeliveryOfFetchedMessageIsIgnored(t *testing.T) {
	h := &fakeHistory{msgs: []types.Message{msg("m1", 100), msg("m2", 200)}}
	tr := newFakeTransport()
	c := newTestConversation(t, h, tr)
	c.Open(context.Background())
	waitFor(t, c, loaded)

	deliver(tr, msg("m1", 100))
	deliver(tr, msg("m3", 300))

	s := waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 3 })
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages))
}

func TestLiveMessagesOrderByTimestampThenID(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConversation(t, &fakeHistory{}, tr)
	c.Open(context.Background())
	waitFor(t, c, loaded)

	deliver(tr, msg("b", 5))
	deliver(tr, msg("a", 5))
	deliver(tr, msg("c", 1))

	s := waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 3 })
	assert.Equal(t, []string{"c", "a", "b"}, ids(s.Messages))
}

func TestLiveMessageDuringFetchSurvivesHistory(t *testing.T) {
	h := &fakeHistory{gate: make(chan struct{}), msgs: []types.Message{msg("m1", 100)}}
	tr := newFakeTransport()
	c := newTestConversation(t, h, tr)
	c.Open(context.Background())
	assert.True(t, c.State().IsLoading)

	deliver(tr, msg("m9", 900))
	waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 1 })

	close(h.gate)
	s := waitFor(t, c, loaded)
	assert.Equal(t, []string{"m1", "m9"}, ids(s.Messages))
}

func TestLiveMessageAlsoInHistoryAppearsOnce(t *testing.T) {
	h := &fakeHistory{gate: make(chan struct{}), msgs: []types.Message{msg("m1", 100), msg("m2", 200)}}
	tr := newFakeTransport()
	c := newTestConversation(t, h, tr)
	c.Open(context.Background())

	deliver(tr, msg("m2", 200))
	waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 1 })
	close(h.gate)

	s := waitFor(t, c, loaded)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages))
}

func TestFetchFailureKeepsLoadedMessages(t *testing.T) {
	h := &fakeHistory{msgs: []types.Message{msg("m1", 100)}}
	c := newTestConversation(t, h, newFakeTransport())
	c.Open(context.Background())
	waitFor(t, c, loaded)

	h.set(nil, errors.New("503 service unavailable"))
	c.Open(context.Background())
	s := waitFor(t, c, func(s ViewState) bool { return !s.IsLoading && s.Error != "" })
	assert.Equal(t, []string{"m1"}, ids(s.Messages))
	assert.Contains(t, s.Error, "503")

	h.set([]types.Message{msg("m1", 100), msg("m2", 200)}, nil)
	c.Open(context.Background())
	s = waitFor(t, c, func(s ViewState) bool { return !s.IsLoading && len(s.Messages) == 2 })
	assert.Empty(t, s.Error, "retry clears the error")
	assert.Equal(t, 3, h.callCount())
}

func TestOpenWithoutSession(t *testing.T) {
	h := &fakeHistory{}
	tr := newFakeTransport()
	c := NewConversation("conv1", "peer", h, tr, identity(""), zerolog.Nop())
	defer c.Close()

	c.Open(context.Background())
	s := c.State()
	assert.Equal(t, "not authenticated", s.Error)
	assert.False(t, s.IsLoading)
	assert.Equal(t, 0, h.callCount())
	assert.Equal(t, 0, tr.bus.Len())
}

func TestUnauthorizedFetchReportsNotAuthenticated(t *testing.T) {
	h := &fakeHistory{err: types.ErrUnauthorized}
	c := newTestConversation(t, h, newFakeTransport())
	c.Open(context.Background())
	s := waitFor(t, c, loaded)
	assert.Equal(t, "not authenticated", s.Error)
}

func TestSendBlankIsLocal(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConversation(t, &fakeHistory{}, tr)
	c.Open(context.Background())
	waitFor(t, c, loaded)

	c.Send(context.Background(), "")
	c.Send(context.Background(), "  \n\t")

	s := c.State()
	assert.Empty(t, tr.sentFrames())
	assert.False(t, s.IsSending)
	assert.Empty(t, s.Error)
}

func TestSendFailureSurfacesErrorWithoutMessage(t *testing.T) {
	tr := newFakeTransport()
	tr.err = types.ErrNotConnected
	c := newTestConversation(t, &fakeHistory{msgs: []types.Message{msg("m1", 1)}}, tr)
	c.Open(context.Background())
	waitFor(t, c, loaded)

	c.Send(context.Background(), "hello")
	s := c.State()
	assert.False(t, s.IsSending)
	assert.Equal(t, types.ErrNotConnected.Error(), s.Error)
	assert.Equal(t, []string{"m1"}, ids(s.Messages))
}

func TestSendWaitsForEcho(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConversation(t, &fakeHistory{}, tr)
	c.Open(context.Background())
	waitFor(t, c, loaded)

	watch, stop := c.Watch()
	defer stop()

	c.Send(context.Background(), "hello")
	assert.Equal(t, []string{"conv1:hello"}, tr.sentFrames())
	s := c.State()
	assert.False(t, s.IsSending)
	assert.Empty(t, s.Messages, "no optimistic insert")

	echo := types.Message{ID: "srv-1", ConversationID: "conv1", SenderID: "me", Content: "hello", Timestamp: 10}
	deliver(tr, echo)
	s = waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 1 })
	assert.Equal(t, "srv-1", s.Messages[0].ID)

	latest := <-watch
	assert.Len(t, latest.Messages, 1)
}

func TestCloseDiscardsInFlightFetch(t *testing.T) {
	h := &fakeHistory{gate: make(chan struct{}), msgs: []types.Message{msg("m1", 1)}}
	tr := newFakeTransport()
	c := newTestConversation(t, h, tr)
	c.Open(context.Background())
	require.Equal(t, 1, tr.bus.Len())

	c.Close()
	close(h.gate)
	deliver(tr, msg("m2", 2))

	time.Sleep(20 * time.Millisecond)
	s := c.State()
	assert.Empty(t, s.Messages)
	assert.Empty(t, s.Error)
	assert.False(t, s.IsLoading)
	assert.Equal(t, 0, tr.bus.Len(), "subscription released")
}

func TestOtherConversationsAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConversation(t, &fakeHistory{}, tr)
	c.Open(context.Background())
	waitFor(t, c, loaded)

	other := msg("x", 1)
	other.ConversationID = "conv2"
	deliver(tr, other)
	deliver(tr, msg("m1", 2))

	s := waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 1 })
	assert.Equal(t, []string{"m1"}, ids(s.Messages))
}

func TestPeerTyping(t *testing.T) {
	tr := newFakeTransport()
	c := NewConversation("conv1", "peer", &fakeHistory{}, tr, identity("me"), zerolog.Nop())
	c.typingTTL = 30 * time.Millisecond
	defer c.Close()
	c.Open(context.Background())
	waitFor(t, c, loaded)

	tr.bus.Publish(events.Typing{UserID: "me", ConversationID: "conv1"})
	tr.bus.Publish(events.Typing{UserID: "peer", ConversationID: "conv2"})
	time.Sleep(10 * time.Millisecond)
	assert.False(t, c.State().PeerTyping)

	tr.bus.Publish(events.Typing{UserID: "peer", ConversationID: "conv1"})
	waitFor(t, c, func(s ViewState) bool { return s.PeerTyping })
	waitFor(t, c, func(s ViewState) bool { return !s.PeerTyping })

	tr.bus.Publish(events.Typing{UserID: "peer"})
	waitFor(t, c, func(s ViewState) bool { return s.PeerTyping })
	deliver(tr, msg("m1", 1))
	waitFor(t, c, func(s ViewState) bool { return !s.PeerTyping && len(s.Messages) == 1 })
}

func TestTypingWithoutConversationOnlyFromPeer(t *testing.T) {
	tr := newFakeTransport()
	c := NewConversation("conv1", "peer", &fakeHistory{}, tr, identity("me"), zerolog.Nop())
	defer c.Close()
	c.Open(context.Background())
	waitFor(t, c, loaded)

	// Someone typing in a different conversation with no id on the frame.
	tr.bus.Publish(events.Typing{UserID: "stranger"})
	time.Sleep(10 * time.Millisecond)
	assert.False(t, c.State().PeerTyping)

	tr.bus.Publish(events.Typing{UserID: "peer"})
	waitFor(t, c, func(s ViewState) bool { return s.PeerTyping })
}

func TestPeerLearnedFromMessages(t *testing.T) {
	tr := newFakeTransport()
	c := NewConversation("conv1", "", &fakeHistory{}, tr, identity("me"), zerolog.Nop())
	defer c.Close()
	c.Open(context.Background())
	waitFor(t, c, loaded)

	tr.bus.Publish(events.Typing{UserID: "peer"})
	time.Sleep(10 * time.Millisecond)
	assert.False(t, c.State().PeerTyping, "unknown peer")

	mine := msg("m1", 1)
	mine.SenderID = "me"
	deliver(tr, mine)
	waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 1 })
	assert.Empty(t, c.PeerID())

	deliver(tr, msg("m2", 2))
	waitFor(t, c, func(s ViewState) bool { return len(s.Messages) == 2 })
	assert.Equal(t, "peer", c.PeerID())

	tr.bus.Publish(events.Typing{UserID: "peer"})
	waitFor(t, c, func(s ViewState) bool { return s.PeerTyping })
}

func TestTypingForwardsToTransport(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConversation(t, &fakeHistory{}, tr)
	c.Typing()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{"conv1"}, tr.typing)
}

func TestConnectivityMirrorsTransport(t *testing.T) {
	tr := newFakeTransport()
	c := newTestConversation(t, &fakeHistory{}, tr)
	c.Open(context.Background())
	waitFor(t, c, func(s ViewState) bool { return s.IsConnected })

	tr.setConnected(false)
	waitFor(t, c, func(s ViewState) bool { return !s.IsConnected })
	tr.setConnected(true)
	waitFor(t, c, func(s ViewState) bool { return s.IsConnected })
}

func TestMergeMessagesInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		pool := make([]types.Message, 10)
		for i := range pool {
			pool[i] = msg(string(rune('a'+i)), int64(rng.Intn(4)))
		}
		var existing, incoming []types.Message
		for i := 0; i < 15; i++ {
			m := pool[rng.Intn(len(pool))]
			if rng.Intn(2) == 0 {
				existing = append(existing, m)
			} else {
				incoming = append(incoming, m)
			}
		}

		out := mergeMessages(existing, incoming...)
		seen := map[string]bool{}
		for i, m := range out {
			require.False(t, seen[m.ID], "duplicate id %s", m.ID)
			seen[m.ID] = true
			if i > 0 {
				require.True(t, out[i-1].Less(m), "out of order at %d", i)
			}
		}
		for _, m := range append(existing, incoming...) {
			require.True(t, seen[m.ID])
		}
	}
}
