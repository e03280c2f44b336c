// Package app is the application shell: it owns the session lifecycle and
// wires the transport, conversations, unread badge and notifications to it.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/api"
	"github.com/orchestra-mcp/chatsync/src/badge"
	"github.com/orchestra-mcp/chatsync/src/chatsync"
	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/notify"
	"github.com/orchestra-mcp/chatsync/src/securestore"
	"github.com/orchestra-mcp/chatsync/src/session"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// PushTokenSource supplies the device push token once the platform has one.
type PushTokenSource interface {
	PushToken(ctx context.Context) (string, bool)
}

// Components are the collaborators an App is built from.
type Components struct {
	Session       *session.Store
	API           *api.Client
	Transport     *transport.Connection
	Notifier      notify.Notifier
	PushTokens    PushTokenSource // optional
	BadgeInterval time.Duration
}

// App drives one client instance.
type App struct {
	session   *session.Store
	api       *api.Client
	transport *transport.Connection
	notifier  notify.Notifier
	push      PushTokenSource
	chats     *chatsync.Manager
	badge     *badge.Aggregator
	focus     *notify.Focus
	bridge    *notify.Bridge
	logger    zerolog.Logger

	life sync.Mutex // serializes starting and stopping session-scoped tasks

	mu     sync.Mutex
	state  AppState
	active bool   // session-scoped tasks are running
	epoch  uint64 // bumped whenever a session starts or ends
}

// New wires an App from already constructed components.
func New(c Components, logger zerolog.Logger) *App {
	focus := notify.NewFocus()
	a := &App{
		session:   c.Session,
		api:       c.API,
		transport: c.Transport,
		notifier:  c.Notifier,
		push:      c.PushTokens,
		chats:     chatsync.NewManager(c.API, c.Transport, c.Session, logger),
		badge:     badge.New(c.API, c.BadgeInterval, logger),
		focus:     focus,
		bridge:    notify.NewBridge(c.Transport.Events(), focus, c.Notifier, logger),
		logger:    logger.With().Str("component", "app").Logger(),
		state:     StateRegister,
	}
	c.Session.OnChange(func(sess types.Session) {
		if !sess.Authenticated() {
			a.endSession()
		}
	})
	return a
}

// Build assembles the production stack from configuration.
func Build(cfg *config.ClientConfig, notifier notify.Notifier, push PushTokenSource, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secrets, err := securestore.New(cfg)
	if err != nil {
		return nil, err
	}
	sess := session.New(secrets, logger)
	bus := events.NewBroadcaster(cfg.SubscriberBuffer, logger)
	conn := transport.New(transport.OptionsFromConfig(cfg), transport.NewWebSocketDialer(cfg), bus, logger)

	return New(Components{
		Session:       sess,
		API:           api.New(cfg, sess, logger),
		Transport:     conn,
		Notifier:      notifier,
		PushTokens:    push,
		BadgeInterval: cfg.BadgePollInterval.Duration,
	}, logger), nil
}

// State returns the current application state.
func (a *App) State() AppState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ShowLogin switches from the register screen to the login screen.
func (a *App) ShowLogin() error { return a.fire(TriggerShowLogin) }

// ShowRegister switches from the login screen to the register screen.
func (a *App) ShowRegister() error { return a.fire(TriggerShowRegister) }

func (a *App) fire(t Trigger) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := a.state.Next(t)
	if err != nil {
		return err
	}
	a.logger.Debug().Str("from", a.state.String()).Str("to", next.String()).Msg("state change")
	a.state = next
	return nil
}

func (a *App) canFire(t Trigger) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.state.Next(t)
	return err
}

// Register creates an account and signs in with it.
func (a *App) Register(ctx context.Context, req api.RegisterRequest) error {
	if err := a.canFire(TriggerAuthenticated); err != nil {
		return err
	}
	resp, err := a.api.Register(ctx, req)
	if err != nil {
		return err
	}
	return a.beginSession(ctx, resp.Token, resp.UserID)
}

// Login signs in with email and password.
func (a *App) Login(ctx context.Context, email, password string) error {
	if err := a.canFire(TriggerAuthenticated); err != nil {
		return err
	}
	resp, err := a.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return a.beginSession(ctx, resp.Token, resp.UserID)
}

// Resume continues a session persisted by an earlier run. It reports false
// when there is no stored session.
func (a *App) Resume(ctx context.Context) (bool, error) {
	sess := a.session.Snapshot()
	if !sess.Authenticated() {
		return false, nil
	}
	return true, a.beginSession(ctx, sess.Token, sess.UserID)
}

// beginSession moves to StateMain and starts the session-scoped tasks under
// the lifecycle lock. The transition is checked before the session is set.
func (a *App) beginSession(ctx context.Context, token, userID string) error {
	a.life.Lock()
	a.mu.Lock()
	next, err := a.state.Next(TriggerAuthenticated)
	if err != nil {
		a.mu.Unlock()
		a.life.Unlock()
		return err
	}
	a.logger.Debug().Str("from", a.state.String()).Str("to", next.String()).Msg("state change")
	a.state = next
	a.active = true
	a.epoch++
	epoch := a.epoch
	a.mu.Unlock()

	a.session.Set(token, userID)
	// Session-scoped tasks outlive the caller's request context.
	a.badge.Start(context.Background())
	a.bridge.Start(context.Background())
	a.life.Unlock()

	if !a.current(epoch) {
		return nil
	}
	if err := a.transport.Connect(ctx, token); err != nil {
		a.logger.Warn().Err(err).Msg("live connection unavailable")
	}
	if !a.current(epoch) {
		// The session ended during the handshake. A newer session owns the
		// connection if one is active.
		if !a.sessionActive() {
			a.transport.Disconnect()
		}
		return nil
	}
	a.registerPushToken(ctx, epoch)
	a.logger.Info().Str("user_id", userID).Msg("session started")
	return nil
}

func (a *App) current(epoch uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active && a.epoch == epoch
}

func (a *App) sessionActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *App) registerPushToken(ctx context.Context, epoch uint64) {
	if a.push == nil {
		return
	}
	token, ok := a.push.PushToken(ctx)
	if !ok || !a.current(epoch) {
		return
	}
	if err := a.api.UpdatePushToken(ctx, token); err != nil {
		a.logger.Warn().Err(err).Msg("push token registration failed")
	}
}

// Logout ends the session: polling stops, conversations close, the live
// connection is torn down, pending notifications are cancelled and the
// stored session is cleared. Calling it without a session is a no-op.
func (a *App) Logout() error {
	a.endSession()
	a.session.Clear()
	return nil
}

// endSession leaves StateMain and stops every session-scoped task. It also
// runs when the session is cleared from elsewhere. Idempotent.
func (a *App) endSession() {
	a.life.Lock()
	defer a.life.Unlock()

	a.mu.Lock()
	if next, err := a.state.Next(TriggerLoggedOut); err == nil {
		a.state = next
		a.logger.Info().Msg("logged out")
	}
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.epoch++
	a.mu.Unlock()

	a.badge.Stop()
	a.badge.Reset()
	a.bridge.Stop()
	a.chats.CloseAll()
	a.focus.Clear()
	a.transport.Disconnect()
	a.notifier.CancelAll()
}

// Shutdown stops all background work without clearing the stored session.
func (a *App) Shutdown() {
	a.endSession()
	a.transport.Close()
}

// Reconnect opens the live connection again after it dropped. Retry policy
// is up to the caller.
func (a *App) Reconnect(ctx context.Context) error {
	token, ok := a.session.Token()
	if !ok {
		return types.ErrNotAuthenticated
	}
	return a.transport.Connect(ctx, token)
}

// OpenConversation opens id and marks it as the focused conversation so it
// raises no notifications. peerID is the other participant from the
// conversation summary; pass "" when it is not known.
func (a *App) OpenConversation(ctx context.Context, id, peerID string) (*chatsync.Conversation, error) {
	if a.State() != StateMain {
		return nil, types.ErrNotAuthenticated
	}
	a.focus.Set(id)
	return a.chats.Open(ctx, id, peerID), nil
}

// CloseConversation closes id and drops the focus if it was on id.
func (a *App) CloseConversation(id string) {
	a.chats.Close(id)
	a.focus.ClearIf(id)
}

// StartConversation creates (or finds) the conversation with otherUserID and
// opens it.
func (a *App) StartConversation(ctx context.Context, otherUserID string) (*chatsync.Conversation, error) {
	if a.State() != StateMain {
		return nil, types.ErrNotAuthenticated
	}
	id, err := a.api.CreateConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("create conversation: empty id")
	}
	return a.OpenConversation(ctx, id, otherUserID)
}

// UnreadTotal returns the latest unread badge value.
func (a *App) UnreadTotal() int { return a.badge.Total() }

// Badge exposes the unread aggregator.
func (a *App) Badge() *badge.Aggregator { return a.badge }

// Focus exposes the focused conversation tracker.
func (a *App) Focus() *notify.Focus { return a.focus }

// Session exposes the session store.
func (a *App) Session() *session.Store { return a.session }

// Transport exposes the live connection.
func (a *App) Transport() *transport.Connection { return a.transport }

// API exposes the REST client.
func (a *App) API() *api.Client { return a.api }
