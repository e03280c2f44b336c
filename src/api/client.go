// Package api is the request/response client for the chat backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token() (string, bool)
}

// StatusError is returned when the backend answers with an unexpected status.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

// Is lets errors.Is(err, types.ErrUnauthorized) match 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == types.ErrUnauthorized && e.Code == fasthttp.StatusUnauthorized
}

// Client calls the backend REST API over fasthttp.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
	tokens  TokenSource
	logger  zerolog.Logger
}

// New creates a client for cfg.BaseURL. tokens may be nil for clients that
// only call the auth endpoints.
func New(cfg *config.ClientConfig, tokens TokenSource, logger zerolog.Logger) *Client {
	timeout := cfg.HTTPTimeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &fasthttp.Client{Name: "chatsync"},
		timeout: timeout,
		tokens:  tokens,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// WithDial replaces the network dial function. Used to reach in-memory
// listeners in tests.
func (c *Client) WithDial(dial func(addr string) (net.Conn, error)) *Client {
	c.http.Dial = dial
	return c
}

type request struct {
	op     string
	method string
	path   string
	auth   bool
	body   any
	want   int // 0 accepts any 2xx
	out    any
}

type result struct {
	status int
	body   []byte
	err    error
}

func (c *Client) do(ctx context.Context, r request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var token string
	if r.auth {
		tok, ok := "", false
		if c.tokens != nil {
			tok, ok = c.tokens.Token()
		}
		if !ok {
			return types.ErrNotAuthenticated
		}
		token = tok
	}

	var payload []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", r.op, err)
		}
		payload = data
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(c.baseURL + r.path)
	req.Header.SetMethod(r.method)
	if r.auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	done := make(chan result, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
		}
	}()

	var res result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		c.logger.Debug().Err(res.err).Str("op", r.op).Msg("request failed")
		return fmt.Errorf("%s: %w", r.op, res.err)
	}
	if !statusOK(res.status, r.want) {
		return &StatusError{Op: r.op, Code: res.status, Message: errorMessage(res.body)}
	}
	if r.out == nil || len(res.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.body, r.out); err != nil {
		return fmt.Errorf("%s: decode response: %w", r.op, err)
	}
	return nil
}

func statusOK(got, want int) bool {
	if want != 0 {
		return got == want
	}
	return got >= 200 && got < 300
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from a body.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// IsUnauthorized reports whether err means the session is missing or rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, types.ErrUnauthorized) || errors.Is(err, types.ErrNotAuthenticated)
}
