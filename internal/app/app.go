package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/config"
	"github.com/vovakirdan/chat-relay/internal/core"
	"github.com/vovakirdan/chat-relay/internal/store"
	"github.com/vovakirdan/chat-relay/internal/store/memory"
	"github.com/vovakirdan/chat-relay/internal/store/redis"
	transporthttp "github.com/vovakirdan/chat-relay/internal/transport/http"
	"github.com/vovakirdan/chat-relay/internal/utils"
)

// App wires together store, core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	monitor         func(context.Context)
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}

	switch cfg.Store.Driver {
	case "memory":
		a.store = memory.New()
		logger.Warn().Msg("using in-memory store, rooms are not shared with other processes")
	default:
		rs := redis.New(ctx, redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		interval := cfg.Redis.MonitorInterval
		a.monitor = func(ctx context.Context) { rs.Monitor(ctx, interval) }
		a.store = rs
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("redis store configured")
	}

	opts := RelayOptions(cfg, time.Now())
	a.hub = core.NewHub(a.store, opts, logger)
	a.server = transporthttp.NewServer(a.hub, cfg, logger)

	logger.Info().Str("consumer", opts.Consumer).Str("group", opts.Group).Msg("relay configured")
	return a, nil
}

// RelayOptions maps configuration onto the hub.
func RelayOptions(cfg config.Config, started time.Time) core.Options {
	return core.Options{
		Group:              cfg.Relay.ConsumerGroup,
		Consumer:           utils.ConsumerID(cfg.Port, started),
		CacheTTL:           cfg.Relay.CacheTTL,
		CacheSweepInterval: cfg.Relay.CacheSweepInterval,
		ReadBlock:          cfg.Relay.ReadBlock,
		ReadCount:          cfg.Relay.ReadCount,
		PollInterval:       cfg.Relay.PollInterval,
		ErrorBackoff:       cfg.Relay.ErrorBackoff,
		ProbeInterval:      cfg.Relay.ProbeInterval,
		ClaimMinIdle:       cfg.Relay.ClaimMinIdle,
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Upgraded connections outlive Shutdown; tie them to ctx instead.
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }

	hubDone := make(chan struct{})
	go func() {
		a.hub.Run(ctx)
		close(hubDone)
	}()
	if a.monitor != nil {
		go a.monitor(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		cancel()
		<-hubDone
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer shutdownCancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)
		<-hubDone
		a.cleanup()
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

// cleanup closes the store connection.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
