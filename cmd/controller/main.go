// The controller runs the pipeline's control plane: scheduler sweeps,
// resource-update reconciliation, save_article ingestion, and the RPC
// control surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"newsriver/internal/auth"
	"newsriver/internal/broker"
	"newsriver/internal/config"
	"newsriver/internal/controller"
	"newsriver/internal/domain"
	"newsriver/internal/observability/logging"
	"newsriver/internal/observability/metrics"
	"newsriver/internal/store"
)

func main() {
	logger := logging.WithAgent(logging.NewLogger(), "controller")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("controller exited", slog.Any("error", err))
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

	if err := st.EnsureIndexes(ctx); err != nil {
		return err
	}

	signer, err := auth.NewSigner(cfg.Web.JWTSecret)
	if err != nil {
		return err
	}

	publishers := controller.Publishers{}
	for _, p := range []struct {
		exchange string
		target   *controller.Publisher
	}{
		{domain.ExchangeFeeds, &publishers.Feeds},
		{domain.ExchangeArticles, &publishers.Articles},
		{domain.ExchangeImages, &publishers.Images},
		{domain.ExchangeEventStream, &publishers.EventStream},
	} {
		pub, err := b.Publisher(p.exchange)
		if err != nil {
			return err
		}
		*p.target = pub
	}

	ctrl := controller.New(st, cfg.Controller, publishers, signer, logger)

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error("metrics endpoint failed", slog.Any("error", err))
		}
	}()

	return ctrl.Run(ctx, b)
}
