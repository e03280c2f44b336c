package config

import "os"

// StubConfig holds settings for the reference backend.
type StubConfig struct {
	Addr         string      `toml:"addr"`
	PasswordCost int         `toml:"password_cost"` // bcrypt cost, 0 selects the default
	RedisEnabled bool        `toml:"redis_enabled"`
	Redis        RedisConfig `toml:"redis"`
}

// DefaultStubConfig returns the default reference backend configuration.
func DefaultStubConfig() *StubConfig {
	redis := DefaultRedisConfig()
	redis.Prefix = "chatsync:stub:"
	return &StubConfig{
		Addr:  ":8080",
		Redis: redis,
	}
}

// StubConfigFromEnv loads the reference backend configuration from the
// environment. Redis relaying is enabled when REDIS_ADDR is set.
func StubConfigFromEnv() *StubConfig {
	cfg := DefaultStubConfig()
	if addr := os.Getenv("CHATSTUB_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	envInt("CHATSTUB_PASSWORD_COST", &cfg.PasswordCost)
	if os.Getenv("REDIS_ADDR") != "" {
		cfg.RedisEnabled = true
	}
	cfg.Redis.ApplyEnv()
	return cfg
}
