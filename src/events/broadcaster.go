package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Filter selects which events a subscription receives. Nil accepts all.
type Filter func(Event) bool

// ForConversation accepts message and typing events for one conversation.
func ForConversation(conversationID string) Filter {
	return func(ev Event) bool {
		switch e := ev.(type) {
		case NewMessage:
			return e.Message.ConversationID == conversationID
		case Typing:
			return e.ConversationID == conversationID
		default:
			return false
		}
	}
}

// OnlyMessages accepts NewMessage events from every conversation.
func OnlyMessages(ev Event) bool {
	_, ok := ev.(NewMessage)
	return ok
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id     uint64
	ch     chan Event
	filter Filter
	b      *Broadcaster
}

// C returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the broadcaster closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.b.remove(s.id)
}

// Broadcaster fans decoded events out to independent subscribers.
// A slow subscriber only loses its own events.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// returns an already-closed subscription.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		ch:     make(chan Event, b.buffer),
		filter: filter,
		b:      b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	// Sends are non-blocking, so holding the read lock keeps remove() from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().Uint64("subscriber", id).Msg("subscriber buffer full, dropping")
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed on creation.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}
