// zapdesk-tail connects to a relay as a given user and prints every event
// pushed to that user. Operational tool for verifying delivery end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zapdesk/realtime/client"
	"github.com/zapdesk/realtime/internal/logging"
	"github.com/zapdesk/realtime/internal/protocol"
)

type tailConfig struct {
	URL         string `env:"RELAY_URL" envDefault:"ws://localhost:4000/ws"`
	UserID      string `env:"RELAY_USER_ID"`
	Token       string `env:"RELAY_TOKEN"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := &tailConfig{}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	if cfg.UserID == "" {
		return fmt.Errorf("RELAY_USER_ID is required")
	}

	logger := logging.NewLogger(cfg.Environment)

	c := client.New(client.Config{
		URL:    cfg.URL,
		UserID: cfg.UserID,
		Token:  cfg.Token,
	}, logger)

	c.SetOnNewMessage(func(msg protocol.NewMessage) {
		fmt.Printf("[message] %s (%s): %s\n", msg.ContactName, msg.ContactPhone, msg.Content)
	})
	c.SetOnConnectionUpdate(func(update protocol.ConnectionUpdate) {
		fmt.Printf("[instance] %s -> %s\n", update.InstanceName, update.Status)
	})
	c.SetOnQRCodeUpdate(func(update protocol.QRCodeUpdate) {
		fmt.Printf("[qrcode] %s refreshed\n", update.InstanceName)
	})
	c.SetOnSyncComplete(func(sync protocol.SyncComplete) {
		fmt.Printf("[sync] success=%v events=%d\n", sync.Success, sync.TotalFound)
	})
	c.SetOnQualityChange(func(q client.Quality) {
		logger.Info("connection quality changed", slog.String("quality", string(q)))
	})
	c.SetOnReconnectFailed(func() {
		logger.Error("connection lost, could not reconnect; press Ctrl-C to exit")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	// Pull anything delivered while this client was offline.
	if correlationID, ok := c.RequestSync(0); ok {
		logger.Debug("sync requested", slog.String("correlation_id", correlationID))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Listen(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		c.Disconnect()

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
