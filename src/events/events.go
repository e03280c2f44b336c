// Package events decodes inbound transport frames into typed events and fans
// them out to subscribers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orchestra-mcp/chatsync/src/types"
)

// Frame type discriminators.
const (
	TypeNewMessage  = "new_message"
	TypeTyping      = "typing"
	TypeConnected   = "connected"
	TypeMessageRead = "message_read"
	TypeSendMessage = "send_message"
)

// Event is a decoded inbound frame. The set of variants is closed.
type Event interface {
	event()
}

// NewMessage carries a message delivered by the server.
type NewMessage struct {
	ConversationID string
	Message        types.Message
}

// Typing signals that a user is typing.
type Typing struct {
	UserID         string
	ConversationID string
}

// Connected acknowledges the handshake.
type Connected struct{}

// MessageRead signals the peer read a conversation.
type MessageRead struct {
	ConversationID string
	UserID         string
}

// Unknown is any frame whose type the client does not understand.
type Unknown struct {
	Type string
	Raw  []byte
}

func (NewMessage) event()  {}
func (Typing) event()      {}
func (Connected) event()   {}
func (MessageRead) event() {}
func (Unknown) event()     {}

// frame is the wire shape shared by all inbound and outbound frames.
type frame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Content        string         `json:"content,omitempty"`
	Message        *types.Message `json:"message,omitempty"`
	UserID         string         `json:"userId,omitempty"`
}

// ErrMissingMessage is returned for new_message frames without a payload.
var ErrMissingMessage = errors.New("new_message frame without message")

// Decode parses one inbound frame. Unrecognised types decode to Unknown;
// only malformed frames return an error.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case TypeNewMessage:
		if f.Message == nil {
			return nil, ErrMissingMessage
		}
		msg := *f.Message
		if msg.ConversationID == "" {
			msg.ConversationID = f.ConversationID
		}
		convID := f.ConversationID
		if convID == "" {
			convID = msg.ConversationID
		}
		return NewMessage{ConversationID: convID, Message: msg}, nil
	case TypeTyping:
		return Typing{UserID: f.UserID, ConversationID: f.ConversationID}, nil
	case TypeConnected:
		return Connected{}, nil
	case TypeMessageRead:
		return MessageRead{ConversationID: f.ConversationID, UserID: f.UserID}, nil
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unknown{Type: f.Type, Raw: raw}, nil
	}
}

// SendMessageFrame is the outbound frame for a chat message.
type SendMessageFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// NewSendMessageFrame builds a send_message frame.
func NewSendMessageFrame(conversationID, content string) SendMessageFrame {
	return SendMessageFrame{Type: TypeSendMessage, ConversationID: conversationID, Content: content}
}

// TypingFrame is the outbound typing indicator.
type TypingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// NewTypingFrame builds a typing frame.
func NewTypingFrame(conversationID string) TypingFrame {
	return TypingFrame{Type: TypeTyping, ConversationID: conversationID}
}

// Inbound is the server-side view of frames a client may send. The stub
// backend uses it to parse client frames.
type Inbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// NewMessageFrame is the server-to-client delivery frame.
type NewMessageFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	Message        types.Message `json:"message"`
}

// TypingNotice is the server-to-client typing frame.
type TypingNotice struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ConnectedFrame acknowledges a successful handshake.
type ConnectedFrame struct {
	Type string `json:"type"`
}
