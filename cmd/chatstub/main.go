// Command chatstub runs the in-memory reference chat backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/stub"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if os.Getenv("CHATSTUB_DEBUG") != "" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg := config.StubConfigFromEnv()
	srv := stub.New(cfg, logger)
	srv.Start()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	logger.Info().Str("addr", cfg.Addr).Bool("redis", cfg.RedisEnabled).Msg("chatstub starting")
	if err := srv.ListenAndServe(); err != nil {
		logger.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	logger.Info().Msg("chatstub stopped")
}
