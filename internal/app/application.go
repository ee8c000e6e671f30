// Package app wires the components together and owns process lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"classmon/internal/api"
	"classmon/internal/auth"
	"classmon/internal/config"
	"classmon/internal/gateway"
	"classmon/internal/liveness"
	"classmon/internal/logger"
	"classmon/internal/registry"
	"classmon/internal/router"
	"classmon/internal/store"
)

type Application struct {
	cfg      *config.Config
	store    *store.Store
	liveness *liveness.Monitor
	server   *http.Server
	cleanup  chan struct{}
}

// New builds the full component graph from configuration. Nothing is started;
// Start launches the background services and the HTTP server.
func New(cfg *config.Config) (*Application, error) {
	logger.Setup(cfg.LogLevel)

	authority, err := auth.NewAuthority(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	reg := registry.NewRegistry()
	monitor := liveness.NewMonitor(reg, st, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)

	rtr := router.NewRouter(reg, authority, st, st, cfg.CallTimeout)
	wsHandler := gateway.NewHandler(reg, rtr, gateway.Options{
		PingInterval: cfg.WSPingInterval,
		ReadTimeout:  cfg.WSReadTimeout,
		WriteTimeout: cfg.WSWriteTimeout,
		BufferSize:   cfg.WSBufferSize,
	})

	apiServer := api.NewServer(st, authority, reg, monitor,
		http.HandlerFunc(wsHandler.HandleWebSocket), api.Options{
			TeacherTokenTTL: cfg.TeacherTokenTTL,
			StudentTokenTTL: cfg.StudentTokenTTL,
		})

	app := &Application{
		cfg:      cfg,
		store:    st,
		liveness: monitor,
		cleanup:  make(chan struct{}),
		server: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      apiServer,
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
		},
	}
	go app.cleanupLoop(apiServer.Limiter())
	return app, nil
}

// Start runs the liveness monitor and serves HTTP until the listener closes.
// Blocks; returns nil on graceful shutdown.
func (a *Application) Start() error {
	a.liveness.Start()
	slog.Info("server listening", "addr", a.server.Addr)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("app: http server: %w", err)
	}
	return nil
}

// Stop shuts the application down in dependency order: stop accepting HTTP,
// stop the sweep loop, close the database.
func (a *Application) Stop(ctx context.Context) error {
	slog.Info("shutting down")
	close(a.cleanup)

	if err := a.server.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	a.liveness.Stop()

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("app: closing store: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func (a *Application) cleanupLoop(limiter *api.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limiter.Cleanup()
		case <-a.cleanup:
			return
		}
	}
}
