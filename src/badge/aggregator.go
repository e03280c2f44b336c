// Package badge keeps the total unread count across all conversations.
package badge

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 5 * time.Second

// ConversationLister fetches the signed-in user's conversation summaries.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]types.Conversation, error)
}

// Aggregator polls the conversation list on a fixed interval and exposes the
// sum of unread counts. A failed poll keeps the previous total.
type Aggregator struct {
	lister   ConversationLister
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	total    int
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
	watchers map[uint64]chan int
	nextW    uint64
}

// New creates a stopped Aggregator.
func New(lister ConversationLister, interval time.Duration, logger zerolog.Logger) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		lister:   lister,
		interval: interval,
		logger:   logger.With().Str("component", "badge").Logger(),
		watchers: make(map[uint64]chan int),
	}
}

// Start begins polling, with the first poll issued immediately. The loop
// runs until Stop is called or ctx is done. Start on a running Aggregator is
// a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runningLocked() {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx, a.done)
	a.logger.Info().Dur("interval", a.interval).Msg("polling started")
}

// Stop cancels the loop and waits for it to exit. No poll is issued after
// Stop returns. Safe to call more than once.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.logger.Info().Msg("polling stopped")
}

// Running reports whether the poll loop is active.
func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runningLocked()
}

// runningLocked must be called with mu held.
func (a *Aggregator) runningLocked() bool {
	if a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// Total returns the most recent successful unread total.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// LastError returns the error of the latest poll, or nil if it succeeded.
func (a *Aggregator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Reset zeroes the total, for use after the session ends.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = nil
	a.setTotalLocked(0)
}

// Watch returns a channel carrying the latest total, starting with the
// current one.
func (a *Aggregator) Watch() (<-chan int, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextW++
	id := a.nextW
	ch := make(chan int, 1)
	ch <- a.total
	a.watchers[id] = ch

	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if w, ok := a.watchers[id]; ok {
			delete(a.watchers, id)
			close(w)
		}
	}
}

func (a *Aggregator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Aggregator) poll(ctx context.Context) {
	convs, err := a.lister.ListConversations(ctx)
	if ctx.Err() != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = err
	if err != nil {
		a.logger.Debug().Err(err).Int("total", a.total).Msg("poll failed, keeping previous total")
		return
	}
	sum := 0
	for _, c := range convs {
		if c.UnreadCount > 0 {
			sum += c.UnreadCount
		}
	}
	a.setTotalLocked(sum)
}

// setTotalLocked must be called with mu held.
func (a *Aggregator) setTotalLocked(n int) {
	if a.total == n {
		return
	}
	a.total = n
	for _, ch := range a.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}
