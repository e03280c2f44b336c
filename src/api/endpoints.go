package api

import (
	"context"
	"net/url"
	"strconv"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/valyala/fasthttp"
)

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Gender    string `json:"gender"`    // "MALE" or "FEMALE"
	BirthDate string `json:"birthDate"` // "2000-01-15"
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// UserFilter narrows the discovery feed. Zero values are omitted.
type UserFilter struct {
	MinAge int
	MaxAge int
	Gender string
}

func (f UserFilter) query() string {
	q := url.Values{}
	if f.MinAge > 0 {
		q.Set("minAge", strconv.Itoa(f.MinAge))
	}
	if f.MaxAge > 0 {
		q.Set("maxAge", strconv.Itoa(f.MaxAge))
	}
	if f.Gender != "" {
		q.Set("gender", f.Gender)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (AuthResponse, error) {
	var out AuthResponse
	err := c.do(ctx, request{op: "register", method: fasthttp.MethodPost, path: "/api/auth/register", body: req, out: &out})
	return out, err
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var out AuthResponse
	err := c.do(ctx, request{op: "login", method: fasthttp.MethodPost, path: "/api/auth/login", body: body, out: &out})
	return out, err
}

// ListConversations returns the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	var out []types.Conversation
	err := c.do(ctx, request{op: "list conversations", method: fasthttp.MethodGet, path: "/api/chat/conversations", auth: true, out: &out})
	return out, err
}

// ListMessages returns a conversation's history.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	var out []types.Message
	err := c.do(ctx, request{
		op:     "list messages",
		method: fasthttp.MethodGet,
		path:   "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages",
		auth:   true,
		out:    &out,
	})
	return out, err
}

// SendMessage posts a message over HTTP. The live transport is the primary
// send path; this is the fallback used when no transport is available.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (types.Message, error) {
	body := map[string]string{"conversationId": conversationID, "content": content}
	var out types.Message
	err := c.do(ctx, request{
		op:     "send message",
		method: fasthttp.MethodPost,
		path:   "/api/chat/messages",
		auth:   true,
		body:   body,
		want:   fasthttp.StatusCreated,
		out:    &out,
	})
	return out, err
}

// CreateConversation starts (or returns) a conversation with another user.
func (c *Client) CreateConversation(ctx context.Context, otherUserID string) (string, error) {
	var out struct {
		ConversationID string `json:"conversationId"`
	}
	err := c.do(ctx, request{
		op:     "create conversation",
		method: fasthttp.MethodPost,
		path:   "/api/chat/conversations",
		auth:   true,
		body:   map[string]string{"otherUserId": otherUserID},
		out:    &out,
	})
	return out.ConversationID, err
}

// ListUsers returns the discovery feed.
func (c *Client) ListUsers(ctx context.Context, filter UserFilter) ([]types.User, error) {
	var out []types.User
	err := c.do(ctx, request{op: "list users", method: fasthttp.MethodGet, path: "/api/users" + filter.query(), auth: true, out: &out})
	return out, err
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (types.User, error) {
	var out types.User
	err := c.do(ctx, request{op: "me", method: fasthttp.MethodGet, path: "/api/users/me", auth: true, out: &out})
	return out, err
}

// BlockUser hides a user from the caller and rejects their messages.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	return c.do(ctx, request{
		op:     "block user",
		method: fasthttp.MethodPost,
		path:   "/api/users/block",
		auth:   true,
		body:   map[string]string{"blockedUserId": userID},
	})
}

// UnblockUser reverses BlockUser.
func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	return c.do(ctx, request{
		op:     "unblock user",
		method: fasthttp.MethodDelete,
		path:   "/api/users/unblock/" + url.PathEscape(userID),
		auth:   true,
	})
}

// BlockedUsers lists users the caller blocked.
func (c *Client) BlockedUsers(ctx context.Context) ([]types.User, error) {
	var out []types.User
	err := c.do(ctx, request{op: "blocked users", method: fasthttp.MethodGet, path: "/api/users/blocked", auth: true, out: &out})
	return out, err
}

// UpdatePushToken registers the device push token with the backend.
func (c *Client) UpdatePushToken(ctx context.Context, pushToken string) error {
	return c.do(ctx, request{
		op:     "update push token",
		method: fasthttp.MethodPost,
		path:   "/api/users/fcm-token",
		auth:   true,
		body:   map[string]string{"token": pushToken},
	})
}

// ChangePassword updates the caller's password.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.do(ctx, request{
		op:     "change password",
		method: fasthttp.MethodPut,
		path:   "/api/users/password",
		auth:   true,
		body:   map[string]string{"currentPassword": current, "newPassword": next},
	})
}

// DeleteAccount removes the caller's account.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, request{op: "delete account", method: fasthttp.MethodDelete, path: "/api/users/me", auth: true})
}
