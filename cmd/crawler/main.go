// The crawler fetches one kind of resource — feeds, articles, or images —
// selected with -resource. Run one process per kind; the broker distributes
// work among replicas.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"newsriver/internal/broker"
	"newsriver/internal/config"
	"newsriver/internal/crawler"
	"newsriver/internal/domain"
	"newsriver/internal/observability/logging"
	"newsriver/internal/observability/metrics"
)

func main() {
	resource := flag.String("resource", "", "resource type to crawl: feed, article or image")
	flag.Parse()

	logger := logging.WithAgent(logging.NewLogger(), fmt.Sprintf("crawler-%s", *resource))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *resource, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("crawler exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, resource string, logger *slog.Logger) error {
	b, err := broker.Connect(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	subtype, err := buildSubtype(b, resource, logger)
	if err != nil {
		return err
	}

	source, err := b.Publisher(subtype.SourceExchange())
	if err != nil {
		return err
	}

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error("metrics endpoint failed", slog.Any("error", err))
		}
	}()

	fetcher := crawler.NewFetcher(cfg.Crawler, logger)
	return crawler.New(subtype, fetcher, source, logger).Run(ctx, b)
}

func buildSubtype(b *broker.Broker, resource string, logger *slog.Logger) (crawler.Subtype, error) {
	switch resource {
	case "feed":
		articles, err := b.Publisher(domain.ExchangeArticles)
		if err != nil {
			return nil, err
		}
		return crawler.NewFeedCrawler(articles, logger), nil
	case "article":
		articles, err := b.Publisher(domain.ExchangeArticles)
		if err != nil {
			return nil, err
		}
		return crawler.NewArticleCrawler(articles, logger), nil
	case "image":
		return crawler.NewImageCrawler(logger), nil
	default:
		return nil, fmt.Errorf("-resource must be one of feed, article, image (got %q)", resource)
	}
}
