// Package securestore persists session credentials between runs.
package securestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// SecretStore persists a token and user id.
type SecretStore interface {
	Load(ctx context.Context) (types.Credentials, bool, error)
	Save(ctx context.Context, creds types.Credentials) error
	Clear(ctx context.Context) error
}

// New returns the store selected by cfg.SessionStore.
func New(cfg *config.ClientConfig) (SecretStore, error) {
	switch cfg.SessionStore {
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	case config.StoreFile:
		return NewFileStore(cfg.SessionFile), nil
	case config.StoreRedis:
		return NewRedisStore(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// MemoryStore keeps credentials for the lifetime of the process.
type MemoryStore struct {
	mu    sync.Mutex
	creds types.Credentials
	set   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(_ context.Context) (types.Credentials, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, m.set, nil
}

func (m *MemoryStore) Save(_ context.Context, creds types.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.set = true
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = types.Credentials{}
	m.set = false
	return nil
}
