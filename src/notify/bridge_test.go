package notify

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op, conversationID, title, body string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeNotifier) Notify(conversationID, title, body string) {
	f.record(call{op: "notify", conversationID: conversationID, title: title, body: body})
}

func (f *fakeNotifier) Cancel(conversationID string) {
	f.record(call{op: "cancel", conversationID: conversationID})
}

func (f *fakeNotifier) CancelAll() { f.record(call{op: "cancel_all"}) }

func (f *fakeNotifier) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeNotifier) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.op == "notify" {
			out = append(out, c.conversationID)
		}
	}
	return out
}

func newTestBridge(t *testing.T) (*Bridge, *events.Broadcaster, *Focus, *fakeNotifier) {
	t.Helper()
	bus := events.NewBroadcaster(16, zerolog.Nop())
	focus := NewFocus()
	n := &fakeNotifier{}
	b := NewBridge(bus, focus, n, zerolog.Nop())
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b, bus, focus, n
}

func newMessage(conv, id, sender string) events.NewMessage {
	return events.NewMessage{
		ConversationID: conv,
		Message:        types.Message{ID: id, ConversationID: conv, SenderID: sender, Content: "hi " + id, Timestamp: 1},
	}
}

func TestNotifiesUnlessConversationIsOpen(t *testing.T) {
	_, bus, focus, n := newTestBridge(t)
	focus.Set("open")

	bus.Publish(newMessage("open", "m1", "peer"))
	bus.Publish(events.Typing{UserID: "peer", ConversationID: "other"})
	bus.Publish(events.Connected{})
	bus.Publish(newMessage("other", "m2", "peer"))

	require.Eventually(t, func() bool { return len(n.notified()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"other"}, n.notified())

	n.mu.Lock()
	last := n.calls[len(n.calls)-1]
	n.mu.Unlock()
	assert.Equal(t, Title, last.title)
	assert.Equal(t, "hi m2", last.body)
}

func TestNotifiesEveryConversationWhenNothingIsOpen(t *testing.T) {
	_, bus, _, n := newTestBridge(t)

	bus.Publish(newMessage("c1", "m1", "peer"))
	bus.Publish(newMessage("c2", "m2", "peer"))

	require.Eventually(t, func() bool { return len(n.notified()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"c1", "c2"}, n.notified())
}

func TestSenderDoesNotAffectDecision(t *testing.T) {
	b, bus, focus, n := newTestBridge(t)
	focus.Set("c1")

	bus.Publish(newMessage("c1", "m1", "me"))
	bus.Publish(newMessage("c2", "m2", "me"))

	require.Eventually(t, func() bool { return len(n.notified()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"c2"}, n.notified())
	assert.True(t, b.ShouldNotify(types.Message{ConversationID: "c2", SenderID: "me"}))
	assert.False(t, b.ShouldNotify(types.Message{ConversationID: "c1", SenderID: "peer"}))
}

func TestShouldNotifyFollowsFocus(t *testing.T) {
	b, _, focus, _ := newTestBridge(t)
	msg := types.Message{ConversationID: "c1", SenderID: "peer"}

	focus.Set("c1")
	assert.False(t, b.ShouldNotify(msg))
	focus.Set("c2")
	assert.True(t, b.ShouldNotify(msg))
	focus.ClearIf("c1")
	assert.Equal(t, "c2", focus.Current())
	focus.ClearIf("c2")
	assert.True(t, b.ShouldNotify(msg))
	assert.Empty(t, focus.Current())
}

func TestFocusCancelsPendingNotification(t *testing.T) {
	_, _, focus, n := newTestBridge(t)

	focus.Set("c1")
	focus.Set("c1")
	focus.Clear()

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, []call{{op: "cancel", conversationID: "c1"}}, n.calls)
}

func TestStopUnsubscribes(t *testing.T) {
	b, bus, _, n := newTestBridge(t)
	require.Equal(t, 1, bus.Len())

	b.Stop()
	b.Stop()
	assert.Equal(t, 0, bus.Len())

	bus.Publish(newMessage("c1", "m1", "peer"))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, n.notified())

	b.Start(context.Background())
	bus.Publish(newMessage("c1", "m2", "peer"))
	require.Eventually(t, func() bool { return len(n.notified()) == 1 }, time.Second, time.Millisecond)
}

func TestBodyTruncates(t *testing.T) {
	assert.Equal(t, "short", Body("short"))

	long := strings.Repeat("ğ", 100)
	body := Body(long)
	assert.Equal(t, maxBodyRunes, len([]rune(body)))
	assert.True(t, strings.HasSuffix(body, "…"))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))
	n.Notify("c1", Title, "hello")
	assert.Contains(t, buf.String(), `"conversation_id":"c1"`)
	assert.Contains(t, buf.String(), `"body":"hello"`)
}
