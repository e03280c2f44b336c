// Command chatsync is a headless client: it signs in, keeps the live
// connection open and logs notifications and the unread badge.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/app"
	"github.com/orchestra-mcp/chatsync/src/notify"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

const (
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if os.Getenv("CHATSYNC_DEBUG") != "" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg := config.ClientConfigFromEnv()
	if path := os.Getenv("CHATSYNC_CONFIG"); path != "" {
		loaded, err := config.LoadClientConfig(path)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("invalid config")
			return 1
		}
		cfg = loaded
	}

	client, err := app.Build(cfg, notify.NewLogNotifier(logger), nil, logger)
	if err != nil {
		logger.Error().Err(err).Msg("setup failed")
		return 1
	}
	defer client.Shutdown()

	resumed, err := client.Resume(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("resume failed")
		return 1
	}
	if !resumed {
		email, password := os.Getenv("CHATSYNC_EMAIL"), os.Getenv("CHATSYNC_PASSWORD")
		if email == "" || password == "" {
			logger.Error().Msg("no stored session; set CHATSYNC_EMAIL and CHATSYNC_PASSWORD")
			return 1
		}
		if err := client.ShowLogin(); err != nil {
			logger.Error().Err(err).Msg("login screen unavailable")
			return 1
		}
		if err := client.Login(ctx, email, password); err != nil {
			logger.Error().Err(err).Msg("login failed")
			return 1
		}
	}

	connected, cancelConn := client.Transport().Watch()
	defer cancelConn()
	go keepConnected(ctx, connected, client.Reconnect, reconnectDelay, logger)

	unread, cancelUnread := client.Badge().Watch()
	defer cancelUnread()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return 0
		case n, ok := <-unread:
			if !ok {
				return 0
			}
			logger.Info().Int("unread", n).Bool("connected", client.Transport().IsConnected()).Msg("badge")
		}
	}
}

// keepConnected calls reconnect after the connection goes down, doubling the
// delay after each failed attempt. It returns when ctx is done, connected is
// closed or the session is gone.
func keepConnected(ctx context.Context, connected <-chan bool, reconnect func(context.Context) error, delay time.Duration, logger zerolog.Logger) {
	var retry <-chan time.Time
	wait := delay
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-connected:
			if !ok {
				return
			}
			if up {
				retry = nil
				wait = delay
			} else if retry == nil {
				logger.Warn().Dur("in", wait).Msg("connection down, reconnecting")
				retry = time.After(wait)
			}
		case <-retry:
			retry = nil
			err := reconnect(ctx)
			if errors.Is(err, types.ErrNotAuthenticated) {
				logger.Warn().Msg("session gone, not reconnecting")
				return
			}
			if err != nil {
				wait = min(wait*2, maxReconnectDelay)
				logger.Warn().Err(err).Dur("in", wait).Msg("reconnect failed")
				retry = time.After(wait)
			}
		}
	}
}
