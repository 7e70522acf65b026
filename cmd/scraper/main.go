// The scraper extracts article metadata — title, authors, text, publish
// date, site — from crawled HTML and reports it back as scrape updates.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"newsriver/internal/broker"
	"newsriver/internal/config"
	"newsriver/internal/domain"
	"newsriver/internal/observability/logging"
	"newsriver/internal/observability/metrics"
	"newsriver/internal/scraper"
)

func main() {
	logger := logging.WithAgent(logging.NewLogger(), "scraper")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scraper exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := broker.Connect(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	articles, err := b.Publisher(domain.ExchangeArticles)
	if err != nil {
		return err
	}

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error("metrics endpoint failed", slog.Any("error", err))
		}
	}()

	return scraper.NewAgent(articles, logger).Run(ctx, b)
}
