package notify

import "sync"

// Focus tracks which conversation is currently open in the UI. The empty
// id means none.
type Focus struct {
	mu        sync.RWMutex
	current   string
	listeners []func(conversationID string)
}

// NewFocus creates a Focus with nothing open.
func NewFocus() *Focus {
	return &Focus{}
}

// Set marks conversationID as open.
func (f *Focus) Set(conversationID string) {
	f.mu.Lock()
	if f.current == conversationID {
		f.mu.Unlock()
		return
	}
	f.current = conversationID
	listeners := append([]func(string){}, f.listeners...)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(conversationID)
	}
}

// Clear marks nothing as open.
func (f *Focus) Clear() {
	f.Set("")
}

// ClearIf clears the focus only when conversationID is the open one.
func (f *Focus) ClearIf(conversationID string) {
	f.mu.RLock()
	match := f.current == conversationID
	f.mu.RUnlock()
	if match {
		f.Clear()
	}
}

// Current returns the open conversation id, or "" if none.
func (f *Focus) Current() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// OnChange registers fn to run after every focus change.
func (f *Focus) OnChange(fn func(conversationID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}
