package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zapdesk/realtime/internal/auth"
	"github.com/zapdesk/realtime/internal/config"
	"github.com/zapdesk/realtime/internal/dispatch"
	"github.com/zapdesk/realtime/internal/hub"
	"github.com/zapdesk/realtime/internal/logging"
	"github.com/zapdesk/realtime/internal/registry"
	"github.com/zapdesk/realtime/internal/server"
	"github.com/zapdesk/realtime/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("starting zapdesk relay",
		slog.String("version", Version),
		slog.String("server_id", cfg.ServerID),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Bool("auth_enabled", cfg.AuthSecret != ""),
	)

	eventLog, err := store.Open(cfg.EventLogPath, cfg.EventRetention, logger)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	reg := registry.NewRegistry(logger)
	stats := registry.NewStats()

	dispatcher, err := dispatch.NewDispatcher(reg, stats, eventLog, cfg.AckDedupSize, logger)
	if err != nil {
		return err
	}

	relayHub := hub.New(hub.Config{
		ServerID:          cfg.ServerID,
		HeartbeatInterval: cfg.ServerHeartbeatInterval,
		IdleAfter:         cfg.IdleDisconnectAfter,
		SessionBuffer:     cfg.SessionBuffer,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, reg, stats, dispatcher, eventLog, auth.NewVerifier(cfg.AuthSecret), logger)

	router := server.NewRouter(server.RouterConfig{
		Hub:        relayHub,
		Registry:   reg,
		Stats:      stats,
		Dispatcher: dispatcher,
		Logger:     logger,
		Production: cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("relay listening")

	return g.Wait()
}
