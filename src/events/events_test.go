package events

import (
	"testing"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNewMessage(t *testing.T) {
	raw := []byte(`{"type":"new_message","conversationId":"conv1","message":{"id":"m1","conversationId":"conv1","senderId":"u2","content":"hi","timestamp":100,"isRead":false}}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	nm, ok := ev.(NewMessage)
	require.True(t, ok, "expected NewMessage, got %T", ev)
	assert.Equal(t, "conv1", nm.ConversationID)
	assert.Equal(t, types.Message{
		ID:             "m1",
		ConversationID: "conv1",
		SenderID:       "u2",
		Content:        "hi",
		Timestamp:      100,
	}, nm.Message)
}

func TestDecodeNewMessageFillsConversationFromEnvelope(t *testing.T) {
	raw := []byte(`{"type":"new_message","conversationId":"conv9","message":{"id":"m1","senderId":"u2","content":"hi","timestamp":1}}`)

	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "conv9", ev.(NewMessage).Message.ConversationID)
}

func TestDecodeNewMessageWithoutPayload(t *testing.T) {
	_, err := Decode([]byte(`{"type":"new_message","conversationId":"c"}`))
	assert.ErrorIs(t, err, ErrMissingMessage)
}

func TestDecodeTypingAndConnected(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"typing","userId":"u7","conversationId":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, Typing{UserID: "u7", ConversationID: "c1"}, ev)

	ev, err = Decode([]byte(`{"type":"connected"}`))
	require.NoError(t, err)
	assert.Equal(t, Connected{}, ev)

	ev, err = Decode([]byte(`{"type":"message_read","conversationId":"c1","userId":"u7"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageRead{ConversationID: "c1", UserID: "u7"}, ev)
}

func TestDecodeUnknownType(t *testing.T) {
	raw := []byte(`{"type":"presence","userId":"u1"}`)
	ev, err := Decode(raw)
	require.NoError(t, err)

	u, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "presence", u.Type)
	assert.JSONEq(t, string(raw), string(u.Raw))
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{``, `{`, `not json`, `{"type":5}`} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, "frame %q", raw)
	}
}

func TestBroadcasterDeliversToEverySubscriber(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	s1 := b.Subscribe(nil)
	s2 := b.Subscribe(OnlyMessages)

	b.Publish(Connected{})
	b.Publish(NewMessage{Message: types.Message{ID: "m1", ConversationID: "c"}})

	assert.Equal(t, Connected{}, <-s1.C())
	assert.IsType(t, NewMessage{}, <-s1.C())
	assert.IsType(t, NewMessage{}, <-s2.C())
	assert.Empty(t, s2.C())
}

func TestBroadcasterSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(1, zerolog.Nop())
	slow := b.Subscribe(nil)
	fast := b.Subscribe(nil)

	b.Publish(Connected{})
	<-fast.C()
	// slow never drained; its buffer is full now.
	b.Publish(Typing{UserID: "u"})

	assert.Equal(t, Typing{UserID: "u"}, <-fast.C())
	assert.Equal(t, Connected{}, <-slow.C())
	assert.Empty(t, slow.C())
}

func TestBroadcasterPreservesOrder(t *testing.T) {
	b := NewBroadcaster(16, zerolog.Nop())
	sub := b.Subscribe(nil)
	for _, id := range []string{"a", "b", "c"} {
		b.Publish(Typing{UserID: id})
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, Typing{UserID: id}, <-sub.C())
	}
}

func TestForConversationFilter(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	sub := b.Subscribe(ForConversation("c1"))

	b.Publish(NewMessage{Message: types.Message{ID: "x", ConversationID: "c2"}})
	b.Publish(NewMessage{Message: types.Message{ID: "y", ConversationID: "c1"}})
	b.Publish(Connected{})

	ev := <-sub.C()
	assert.Equal(t, "y", ev.(NewMessage).Message.ID)
	assert.Empty(t, sub.C())
}

func TestSubscriptionCancel(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	sub := b.Subscribe(nil)
	sub.Cancel()
	sub.Cancel()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, b.Len())

	b.Publish(Connected{})
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	sub := b.Subscribe(nil)
	b.Close()

	_, open := <-sub.C()
	assert.False(t, open)

	late := b.Subscribe(nil)
	_, open = <-late.C()
	assert.False(t, open)
	late.Cancel()
}
