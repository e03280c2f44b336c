// Package notify decides when a live message should raise a platform
// notification.
package notify

import (
	"context"
	"sync"

	"github.com/orchestra-mcp/chatsync/src/events"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

const (
	// Title is used for every message notification.
	Title = "New message"

	maxBodyRunes = 80
)

// Notifier is the platform notification service.
type Notifier interface {
	Notify(conversationID, title, body string)
	Cancel(conversationID string)
	CancelAll()
}

// Bridge turns live NewMessage events into notification requests, skipping
// the conversation that is currently open.
type Bridge struct {
	bus      *events.Broadcaster
	focus    *Focus
	notifier Notifier
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a stopped Bridge. Focusing a conversation cancels its
// pending notification.
func NewBridge(bus *events.Broadcaster, focus *Focus, notifier Notifier, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		bus:      bus,
		focus:    focus,
		notifier: notifier,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
	focus.OnChange(func(conversationID string) {
		if conversationID != "" {
			notifier.Cancel(conversationID)
		}
	})
	return b
}

// Start subscribes to the full event stream and handles events until Stop
// or ctx is done. Start on a running Bridge is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		select {
		case <-b.done:
		default:
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	sub := b.bus.Subscribe(nil)
	go b.run(runCtx, sub, b.done)
}

// Stop unsubscribes and waits for the handler to exit. Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bridge) run(ctx context.Context, sub *events.Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if m, isMsg := ev.(events.NewMessage); isMsg {
				b.handle(m)
			}
		}
	}
}

func (b *Bridge) handle(ev events.NewMessage) {
	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if !b.ShouldNotify(msg) {
		b.logger.Debug().Str("conversation_id", msg.ConversationID).Msg("notification suppressed")
		return
	}
	b.notifier.Notify(msg.ConversationID, Title, Body(msg.Content))
}

// ShouldNotify reports whether msg warrants a notification: never for the
// open conversation, always otherwise.
func (b *Bridge) ShouldNotify(msg types.Message) bool {
	return msg.ConversationID != b.focus.Current()
}

// Body shortens content for display in a notification.
func Body(content string) string {
	runes := []rune(content)
	if len(runes) <= maxBodyRunes {
		return content
	}
	return string(runes[:maxBodyRunes-1]) + "…"
}
