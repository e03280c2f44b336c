// Package session holds the authenticated session for one client instance.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/securestore"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

const persistTimeout = 5 * time.Second

// Store is the single authority for "is authenticated". The in-memory value
// wins; the secret store is written through on a best-effort basis.
type Store struct {
	secrets securestore.SecretStore
	logger  zerolog.Logger

	pmu sync.Mutex // held across a memory change and its write-through

	mu      sync.RWMutex
	loaded  bool
	current types.Session

	lmu       sync.Mutex
	listeners []func(types.Session)
}

// New creates a session store backed by secrets.
func New(secrets securestore.SecretStore, logger zerolog.Logger) *Store {
	return &Store{
		secrets: secrets,
		logger:  logger.With().Str("component", "session").Logger(),
	}
}

// Token returns the bearer token and whether one is present.
func (s *Store) Token() (string, bool) {
	sess := s.Snapshot()
	return sess.Token, sess.Token != ""
}

// UserID returns the authenticated user id and whether one is present.
func (s *Store) UserID() (string, bool) {
	sess := s.Snapshot()
	return sess.UserID, sess.UserID != ""
}

// Authenticated reports whether a token is present.
func (s *Store) Authenticated() bool {
	return s.Snapshot().Authenticated()
}

// Snapshot returns token and user id as one consistent value. The first call
// after start loads from the secret store.
func (s *Store) Snapshot() types.Session {
	s.mu.RLock()
	if s.loaded {
		cur := s.current
		s.mu.RUnlock()
		return cur
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.load()
	}
	return s.current
}

// load must be called with mu held.
func (s *Store) load() {
	s.loaded = true
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	creds, ok, err := s.secrets.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load persisted session failed")
		return
	}
	if ok {
		s.current = types.Session{Token: creds.Token, UserID: creds.UserID}
		s.logger.Debug().Str("user_id", creds.UserID).Msg("session restored")
	}
}

// Set replaces token and user id together. Concurrent Set and Clear calls
// reach the secret store in the same order they change the memory value.
func (s *Store) Set(token, userID string) {
	sess := types.Session{Token: token, UserID: userID}

	s.pmu.Lock()
	s.mu.Lock()
	s.loaded = true
	s.current = sess
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := s.secrets.Save(ctx, types.Credentials{Token: token, UserID: userID}); err != nil {
		s.logger.Warn().Err(err).Msg("persist session failed")
	}
	cancel()
	s.pmu.Unlock()

	s.logger.Info().Str("user_id", userID).Msg("session set")
	s.notify(sess)
}

// Clear drops the session. Calling it without a session is a no-op apart
// from clearing the secret store.
func (s *Store) Clear() {
	s.pmu.Lock()
	s.mu.Lock()
	had := s.current.Authenticated()
	s.loaded = true
	s.current = types.Session{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := s.secrets.Clear(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("clear persisted session failed")
	}
	cancel()
	s.pmu.Unlock()

	if had {
		s.logger.Info().Msg("session cleared")
		s.notify(types.Session{})
	}
}

// OnChange registers a callback invoked after every Set and after a Clear
// that removed a session.
func (s *Store) OnChange(cb func(types.Session)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, cb)
}

func (s *Store) notify(sess types.Session) {
	s.lmu.Lock()
	cbs := append([]func(types.Session){}, s.listeners...)
	s.lmu.Unlock()
	for _, cb := range cbs {
		cb(sess)
	}
}
