// The api server exposes the public HTTP surface and bridges the
// event_stream exchange onto recsystem WebSockets.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"newsriver/internal/auth"
	"newsriver/internal/broker"
	"newsriver/internal/config"
	"newsriver/internal/domain"
	"newsriver/internal/events"
	"newsriver/internal/observability/logging"
	"newsriver/internal/observability/metrics"
	"newsriver/internal/store"
	"newsriver/internal/web"
)

func main() {
	logger := logging.WithAgent(logging.NewLogger(), "api")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := broker.Connect(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := store.Connect(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	signer, err := auth.NewSigner(cfg.Web.JWTSecret)
	if err != nil {
		return err
	}

	eventsPub, err := b.Publisher(domain.ExchangeEventStream)
	if err != nil {
		return err
	}

	hub := events.NewHub(cfg.Web.EventBacklog, logger)
	server := web.NewServer(cfg.Web, st, hub, eventsPub, signer, logger)

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error("metrics endpoint failed", slog.Any("error", err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx, b) })
	g.Go(func() error { return server.Run(ctx) })
	return g.Wait()
}
