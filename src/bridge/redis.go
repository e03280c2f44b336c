package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps a delivery with the originating instance ID
// so that a node can skip its own published deliveries.
type redisEnvelope struct {
	InstanceID string       `json:"instance_id"`
	Delivery   hub.Delivery `json:"delivery"`
}

// RedisBridge relays deliveries between backend instances via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     DeliveryTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge that uses Redis pub/sub for cross-instance delivery.
func NewRedisBridge(cfg config.RedisConfig, target DeliveryTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Prefix + "deliveries",
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this node on the channel.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Channel returns the pub/sub channel name.
func (b *RedisBridge) Channel() string { return b.channel }

// Start subscribes to the Redis channel and begins relaying deliveries.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends a delivery to all other instances via Redis.
func (b *RedisBridge) Publish(d hub.Delivery) error {
	data, err := b.encode(d)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

func (b *RedisBridge) encode(d hub.Delivery) ([]byte, error) {
	return json.Marshal(redisEnvelope{InstanceID: b.instanceID, Delivery: d})
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// listen reads the Redis subscription and forwards to the local hub.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handlePayload(msg.Payload)
		case <-b.ctx.Done():
			return
		}
	}
}

// handlePayload decodes an envelope and forwards deliveries from other nodes.
func (b *RedisBridge) handlePayload(payload string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis envelope")
		return
	}

	// Skip deliveries that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Int("recipients", len(env.Delivery.UserIDs)).
		Msg("relaying delivery from redis")

	b.target.DeliverLocal(env.Delivery)
}
