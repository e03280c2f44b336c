package types

import "errors"

// Sentinel errors shared across components.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotConnected     = errors.New("transport not connected")
	ErrBlankContent     = errors.New("message content is blank")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Message is a chat message as assigned by the server.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"` // epoch milliseconds
	IsRead         bool   `json:"isRead"`
}

// Less reports whether m orders before other: by timestamp, then id.
func (m Message) Less(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	return m.ID < other.ID
}

// Conversation is a conversation summary as listed by the server.
type Conversation struct {
	ID                     string  `json:"id"`
	OtherUserID            string  `json:"otherUserId"`
	OtherUserAnonymousName string  `json:"otherUserAnonymousName"`
	LastMessage            *string `json:"lastMessage"`
	LastMessageTimestamp   *int64  `json:"lastMessageTimestamp"`
	UnreadCount            int     `json:"unreadCount"`
}

// User is a discoverable user profile.
type User struct {
	ID              string  `json:"id"`
	Email           string  `json:"email,omitempty"`
	AnonymousName   string  `json:"anonymousName,omitempty"`
	Gender          string  `json:"gender,omitempty"`
	BirthDate       string  `json:"birthDate,omitempty"`
	Bio             *string `json:"bio,omitempty"`
	ProfileImageURL *string `json:"profileImageUrl,omitempty"`
}

// Credentials is what the secure store persists.
type Credentials struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Session is a point-in-time view of the authenticated session.
// An empty Token means no session.
type Session struct {
	Token  string
	UserID string
}

// Authenticated reports whether the session carries a token.
func (s Session) Authenticated() bool { return s.Token != "" }

// ConnectionState is the lifecycle state of the transport connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}
