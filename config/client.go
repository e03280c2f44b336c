package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use "5s" style values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ClientConfig holds chat client configuration.
type ClientConfig struct {
	BaseURL           string   `toml:"base_url"`
	WSPath            string   `toml:"ws_path"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	HTTPTimeout       Duration `toml:"http_timeout"`
	PingInterval      Duration `toml:"ping_interval"`
	ReadBufferSize    int      `toml:"read_buffer_size"`
	WriteBufferSize   int      `toml:"write_buffer_size"`
	BadgePollInterval Duration `toml:"badge_poll_interval"`
	TypingInterval    Duration `toml:"typing_interval"`
	SubscriberBuffer  int      `toml:"subscriber_buffer"`

	SessionStore string `toml:"session_store"` // memory, file or redis
	SessionFile  string `toml:"session_file"`

	Redis RedisConfig `toml:"redis"`
}

// RedisConfig holds connection settings for Redis-backed components.
type RedisConfig struct {
	Addr     string `toml:"addr"`     // default "localhost:6379"
	Password string `toml:"password"` // default ""
	DB       int    `toml:"db"`       // default 0
	Prefix   string `toml:"prefix"`   // default "chatsync:"
}

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "chatsync:",
	}
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:           "http://localhost:8080",
		WSPath:            "/ws/chat",
		HandshakeTimeout:  Duration{10 * time.Second},
		WriteTimeout:      Duration{10 * time.Second},
		HTTPTimeout:       Duration{15 * time.Second},
		PingInterval:      Duration{30 * time.Second},
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		BadgePollInterval: Duration{5 * time.Second},
		TypingInterval:    Duration{2 * time.Second},
		SubscriberBuffer:  256,
		SessionStore:      StoreMemory,
		Redis:             DefaultRedisConfig(),
	}
}

// ClientConfigFromEnv loads the client configuration from environment
// variables, falling back to defaults for missing or invalid values.
func ClientConfigFromEnv() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.ApplyEnv()
	return cfg
}

// LoadClientConfig decodes a TOML file over the defaults, then applies
// environment overrides and validates the result.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATSYNC_* and REDIS_* variables.
func (c *ClientConfig) ApplyEnv() {
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_WS_PATH"); v != "" {
		c.WSPath = v
	}
	envDuration("CHATSYNC_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	envDuration("CHATSYNC_WRITE_TIMEOUT", &c.WriteTimeout)
	envDuration("CHATSYNC_HTTP_TIMEOUT", &c.HTTPTimeout)
	envDuration("CHATSYNC_PING_INTERVAL", &c.PingInterval)
	envDuration("CHATSYNC_BADGE_POLL_INTERVAL", &c.BadgePollInterval)
	envDuration("CHATSYNC_TYPING_INTERVAL", &c.TypingInterval)
	envInt("CHATSYNC_READ_BUFFER_SIZE", &c.ReadBufferSize)
	envInt("CHATSYNC_WRITE_BUFFER_SIZE", &c.WriteBufferSize)
	envInt("CHATSYNC_SUBSCRIBER_BUFFER", &c.SubscriberBuffer)
	if v := os.Getenv("CHATSYNC_SESSION_STORE"); v != "" {
		c.SessionStore = strings.ToLower(v)
	}
	if v := os.Getenv("CHATSYNC_SESSION_FILE"); v != "" {
		c.SessionFile = v
	}
	c.Redis.ApplyEnv()
}

// ApplyEnv overrides Redis settings from REDIS_* variables.
func (r *RedisConfig) ApplyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		r.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		r.Password = pw
	}
	envInt("REDIS_DB", &r.DB)
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		r.Prefix = prefix
	}
}

// Validate checks the configuration for values the client cannot run with.
func (c *ClientConfig) Validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://, got %q", c.BaseURL)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path must start with /, got %q", c.WSPath)
	}
	if c.BadgePollInterval.Duration <= 0 {
		return fmt.Errorf("badge_poll_interval must be positive")
	}
	switch c.SessionStore {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if c.SessionFile == "" {
			return fmt.Errorf("session_file is required for the file session store")
		}
	default:
		return fmt.Errorf("unknown session_store %q", c.SessionStore)
	}
	return nil
}

// WebSocketURL returns the real-time endpoint derived from BaseURL.
func (c *ClientConfig) WebSocketURL() string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.WSPath
}

func envDuration(key string, dst *Duration) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		dst.Duration = d
	}
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}
