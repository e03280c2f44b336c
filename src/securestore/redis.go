package securestore

import (
	"context"
	"fmt"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/redis/go-redis/v9"
)

const (
	fieldToken  = "token"
	fieldUserID = "user_id"
)

// RedisStore keeps credentials in a Redis hash, for headless clients that
// share a session across processes.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store using the hash "<prefix>session".
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg.Prefix)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, key: prefix + "session"}
}

// Key returns the Redis key holding the session hash.
func (r *RedisStore) Key() string { return r.key }

func (r *RedisStore) Load(ctx context.Context) (types.Credentials, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return types.Credentials{}, false, fmt.Errorf("load session: %w", err)
	}
	creds := types.Credentials{Token: vals[fieldToken], UserID: vals[fieldUserID]}
	return creds, creds.Token != "", nil
}

func (r *RedisStore) Save(ctx context.Context, creds types.Credentials) error {
	// Both fields land in one HSET so readers never see half a session.
	err := r.client.HSet(ctx, r.key, fieldToken, creds.Token, fieldUserID, creds.UserID).Err()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
