// Package stub is a reference chat backend serving the REST contract and the
// /ws/chat endpoint. It keeps everything in memory and is meant for local
// development and integration tests.
package stub

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/bridge"
	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// WebSocketPath is where the real-time endpoint is mounted.
const WebSocketPath = "/ws/chat"

// Server is the reference backend.
type Server struct {
	cfg      *config.StubConfig
	store    *Store
	hub      *hub.Hub
	bridge   bridge.Bridge
	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
	http     *fasthttp.Server
	logger   zerolog.Logger
}

// New wires the store, hub and routes. Call Start before serving.
func New(cfg *config.StubConfig, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  NewStore(BcryptHasher{Cost: cfg.PasswordCost}),
		hub:    hub.New(logger),
		logger: logger.With().Str("component", "stub").Logger(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.hub.SetHandler(s.handleFrame)
	s.hub.OnConnection(func(userID string) {
		s.logger.Debug().Str("user_id", userID).Msg("user online")
	})
	s.hub.OnDisconnection(func(userID string) {
		s.logger.Debug().Str("user_id", userID).Msg("user offline")
	})

	s.app = fiber.New(fiber.Config{ErrorHandler: errorHandler})
	s.registerRoutes()
	s.http = &fasthttp.Server{Handler: s.Handler(), Name: "chatstub"}
	return s
}

// Store exposes the backing store.
func (s *Server) Store() *Store { return s.store }

// Hub exposes the connection hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Start runs the hub loop and, when enabled, the Redis bridge. A bridge that
// cannot reach Redis is logged and skipped; the server keeps serving local
// clients.
func (s *Server) Start() {
	go s.hub.Run()

	if !s.cfg.RedisEnabled {
		return
	}
	b := bridge.NewRedisBridge(s.cfg.Redis, s.hub, s.logger)
	if err := b.Start(); err != nil {
		s.logger.Warn().Err(err).Str("addr", s.cfg.Redis.Addr).Msg("redis bridge unavailable, serving local clients only")
		b.Stop()
		return
	}
	s.bridge = b
	s.hub.SetBridge(b)
}

// Handler routes /ws/chat to the upgrader and everything else to the REST app.
func (s *Server) Handler() fasthttp.RequestHandler {
	rest := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == WebSocketPath {
			s.serveWebSocket(ctx)
			return
		}
		rest(ctx)
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving")
	return s.http.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// ServeInMemory serves on an in-memory listener. Clients reach it through
// the listener's Dial.
func (s *Server) ServeInMemory() *fasthttputil.InmemoryListener {
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		if err := s.Serve(ln); err != nil {
			s.logger.Debug().Err(err).Msg("in-memory listener closed")
		}
	}()
	return ln
}

// Shutdown stops the hub, the bridge and the listener. It gives up waiting
// for open connections when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	var errs []error
	if s.bridge != nil {
		errs = append(errs, s.bridge.Stop())
	}
	errs = append(errs, s.http.ShutdownWithContext(ctx))
	return errors.Join(errs...)
}

func bearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *Server) serveWebSocket(ctx *fasthttp.RequestCtx) {
	userID, ok := s.store.Authenticate(bearer(string(ctx.Request.Header.Peek("Authorization"))))
	if !ok {
		ctx.Error("unauthorized", fasthttp.StatusUnauthorized)
		return
	}

	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := hub.NewClient(uuid.New().String(), userID, conn, s.hub)
		s.hub.Register(client)
		client.Enqueue(events.ConnectedFrame{Type: events.TypeConnected})
		go client.WritePump()
		client.ReadPump()
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
	}
}

// handleFrame processes client frames arriving on /ws/chat.
func (s *Server) handleFrame(userID string, frame events.Inbound) ([]hub.Delivery, error) {
	switch frame.Type {
	case events.TypeSendMessage:
		msg, recipient, err := s.store.AddMessage(userID, frame.ConversationID, frame.Content)
		if err != nil {
			return nil, err
		}
		d, err := newMessageDelivery(msg, userID, recipient)
		if err != nil {
			return nil, err
		}
		return []hub.Delivery{d}, nil

	case events.TypeTyping:
		peer, err := s.store.Peer(userID, frame.ConversationID)
		if err != nil {
			return nil, err
		}
		d, err := hub.NewDelivery(events.TypingNotice{
			Type:           events.TypeTyping,
			UserID:         userID,
			ConversationID: frame.ConversationID,
		}, peer)
		if err != nil {
			return nil, err
		}
		return []hub.Delivery{d}, nil

	default:
		s.logger.Debug().Str("type", frame.Type).Msg("ignoring frame")
		return nil, nil
	}
}

// newMessageDelivery addresses a new_message frame to both participants so
// the sender sees its own message echoed back with the server id.
func newMessageDelivery(msg types.Message, userIDs ...string) (hub.Delivery, error) {
	return hub.NewDelivery(events.NewMessageFrame{
		Type:           events.TypeNewMessage,
		ConversationID: msg.ConversationID,
		Message:        msg,
	}, userIDs...)
}
