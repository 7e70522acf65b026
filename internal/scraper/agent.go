package scraper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
)

// Publisher is the broker capability the agent needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Agent consumes scrape_article jobs and reports scraped metadata back to the
// controller as article updates.
type Agent struct {
	articles Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewAgent builds a scraper agent. articles must publish to the articles
// exchange.
func NewAgent(articles Publisher, logger *slog.Logger) *Agent {
	return &Agent{articles: articles, logger: logger, now: time.Now}
}

// Run consumes scrape jobs until ctx is done.
func (a *Agent) Run(ctx context.Context, b *broker.Broker) error {
	return b.Worker(ctx, domain.ExchangeArticles, domain.RouteScrapeArticle,
		broker.WorkerOptions{Prefetch: 1}, a.Handle)
}

// Handle processes one scrape job body.
func (a *Agent) Handle(ctx context.Context, body []byte) broker.Result {
	var msg domain.CrawlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		a.logger.Warn("malformed scrape message, dropping", slog.Any("error", err))
		return broker.Reject
	}

	if msg.Resource.Contents == "" {
		// Either the article has not been crawled yet or its crawl failed.
		a.logger.Warn("article has no contents to scrape",
			slog.String("url", msg.Resource.URL))
		return broker.Ack
	}

	if err := a.ScrapeArticle(ctx, msg.Resource); err != nil {
		a.logger.Error("failed to report scrape result, requeueing",
			slog.String("url", msg.Resource.URL), slog.Any("error", err))
		return broker.NackRequeue
	}
	return broker.Ack
}

// ScrapeArticle runs the scrape and always publishes an update, carrying
// either the extracted metadata or the failure status.
func (a *Agent) ScrapeArticle(ctx context.Context, res domain.Resource) error {
	status := domain.OKStatus(a.now())
	updates := map[string]any{}

	meta, err := Scrape(res.URL, []byte(res.Contents))
	if err != nil {
		status = domain.FailStatus(err, status.When)
		a.logger.Warn("scrape failed",
			slog.String("url", res.URL),
			slog.String("error_type", status.ErrorType),
			slog.Any("error", err))
	} else {
		updates = metaUpdates(meta, a.now())
		a.logger.Info("scraped article",
			slog.String("url", res.URL),
			slog.String("title", meta.Title))
	}

	return a.articles.Publish(ctx, domain.RouteUpdateArticle, domain.ResourceUpdate{
		Resource: domain.ResourceRef{URL: res.URL},
		Type:     domain.OpScrape,
		Status:   status,
		Updates:  updates,
	})
}

// metaUpdates flattens scraped metadata into store update fields, dropping
// empty values.
func metaUpdates(meta domain.ArticleMeta, now time.Time) map[string]any {
	updates := map[string]any{
		"site":         meta.Site,
		"last_scraped": now,
	}
	if meta.Title != "" {
		updates["title"] = meta.Title
	}
	if len(meta.Authors) > 0 {
		updates["authors"] = meta.Authors
	}
	if meta.Summary != "" {
		updates["summary"] = meta.Summary
	}
	if meta.Text != "" {
		updates["text"] = meta.Text
	}
	if meta.PublishDate != nil {
		updates["publish_date"] = meta.PublishDate
	}
	if meta.ImageURL != "" {
		updates["image_url"] = meta.ImageURL
	}
	if len(meta.Keywords) > 0 {
		updates["keywords"] = meta.Keywords
	}
	return updates
}
