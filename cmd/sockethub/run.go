package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ramory-l/sockethub"
	"github.com/ramory-l/sockethub/internal/auth"
	"github.com/ramory-l/sockethub/internal/config"
	"github.com/ramory-l/sockethub/internal/realtime"
	"github.com/ramory-l/sockethub/internal/store"
	"github.com/ramory-l/sockethub/internal/telemetry"
	"github.com/ramory-l/sockethub/natsbus"
)

const serviceName = "sockethub"

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	chats, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer chats.Close()

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret, nil)
	if err != nil {
		return err
	}

	manager := realtime.NewManager(managerConfig(cfg, authenticator, chats, logger))
	if _, err := manager.Init(ctx); err != nil {
		return fmt.Errorf("init realtime: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           manager.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Close sockets first: hijacked websocket connections are not
		// tracked by http.Server.Shutdown.
		manager.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func managerConfig(cfg config.Config, authenticator *auth.Authenticator, chats *store.Store, logger *slog.Logger) realtime.Config {
	return realtime.Config{
		BusURL: cfg.NATSURL,
		Connect: func(ctx context.Context, url string) (sockethub.Bus, error) {
			bus, err := natsbus.Connect(ctx, url, natsbus.Options{
				Name:   cfg.NATSName,
				Logger: logger,
			})
			if err != nil {
				return nil, err
			}
			return bus, nil
		},
		Server: sockethub.Config{
			PingInterval:   cfg.PingInterval,
			PingTimeout:    cfg.PingTimeout,
			MaxPayload:     cfg.MaxPayload,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		Cluster: sockethub.ClusterConfig{
			Prefix:            cfg.BusPrefix,
			RequestTimeout:    cfg.RequestTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
		},
		Auth:      authenticator,
		Chats:     chats,
		JoinLimit: rate.Limit(cfg.JoinRate),
		JoinBurst: cfg.JoinBurst,
		// run shuts the manager down itself once ctx is cancelled.
		HandleSignals: false,
		Logger:        logger,
	}
}
