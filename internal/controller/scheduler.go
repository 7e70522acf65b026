package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/domain"
	"newsriver/internal/observability/metrics"
)

// sweep is one periodic scheduling pass: select due resources since the
// given time and enqueue the ones not already in flight.
type sweep struct {
	action string
	rate   time.Duration
	run    func(ctx context.Context, since time.Time) error
}

// StartScheduler runs the periodic sweeps until ctx is done. Each sweep runs
// once immediately (the controller may be resuming from a restart with a
// backlog) and then on its configured interval.
func (c *Controller) StartScheduler(ctx context.Context) error {
	sweeps := []sweep{
		{ActionCrawlFeeds, c.cfg.CrawlFeedsRate, c.queueCrawlFeeds},
		{ActionCrawlArticles, c.cfg.CrawlArticlesRate, c.queueCrawlArticles},
		{ActionScrapeArticles, c.cfg.ScrapeArticlesRate, c.queueScrapeArticles},
	}

	cr := cron.New()
	for _, s := range sweeps {
		s := s
		tick := func() {
			since := c.now().Add(-s.rate)
			if err := s.run(ctx, since); err != nil {
				c.logger.Error("scheduler sweep failed",
					slog.String("action", s.action), slog.Any("error", err))
			}
		}
		tick()
		if _, err := cr.AddFunc(fmt.Sprintf("@every %s", s.rate), tick); err != nil {
			return fmt.Errorf("schedule %s sweep: %w", s.action, err)
		}
		c.logger.Info("scheduler sweep registered",
			slog.String("action", s.action), slog.Duration("every", s.rate))
	}

	cr.Start()
	<-ctx.Done()

	stopped := cr.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// queueCrawlFeeds enqueues crawl_feed for every feed due since the last
// sweep interval.
func (c *Controller) queueCrawlFeeds(ctx context.Context, since time.Time) error {
	feeds, err := c.store.DueFeeds(ctx, since)
	if err != nil {
		return err
	}

	for _, feed := range feeds {
		if !c.enqueue(ctx, ActionCrawlFeeds, feed, c.publishers.Feeds, domain.RouteCrawlFeed) {
			continue
		}
		c.logger.Info("queued feed crawl",
			slog.String("url", docString(feed, "url")),
			slog.String("type", docString(feed, "type")))
	}
	return nil
}

// queueCrawlArticles works through the backlog of never-crawled articles.
// Normally articles are crawled immediately after save_article; the sweep
// catches the ones missed while article crawlers were down.
func (c *Controller) queueCrawlArticles(ctx context.Context, _ time.Time) error {
	articles, err := c.store.UncrawledArticles(ctx)
	if err != nil {
		return err
	}
	return c.queueArticles(ctx, ActionCrawlArticles, domain.RouteCrawlArticle, articles)
}

// queueScrapeArticles works through the backlog of crawled-but-unscraped
// articles.
func (c *Controller) queueScrapeArticles(ctx context.Context, _ time.Time) error {
	articles, err := c.store.UnscrapedArticles(ctx)
	if err != nil {
		return err
	}
	return c.queueArticles(ctx, ActionScrapeArticles, domain.RouteScrapeArticle, articles)
}

func (c *Controller) queueArticles(ctx context.Context, action, routingKey string, articles []bson.M) error {
	for _, article := range articles {
		if !c.enqueue(ctx, action, article, c.publishers.Articles, routingKey) {
			continue
		}
		c.logger.Info("queued article",
			slog.String("action", action),
			slog.String("url", docString(article, "url")))
	}
	return nil
}

// enqueue publishes one crawl/scrape job unless the resource is already in
// flight. It reports whether the job was published.
func (c *Controller) enqueue(ctx context.Context, action string, doc bson.M, pub Publisher, routingKey string) bool {
	id := idString(doc["_id"])
	if !c.inflight.Add(action, id) {
		return false
	}

	msg := domain.CrawlMessage{Resource: resourceFromDoc(doc)}
	if err := pub.Publish(ctx, routingKey, msg); err != nil {
		// Give the next sweep another chance at this resource.
		c.inflight.Remove(action, id)
		c.logger.Error("failed to enqueue resource",
			slog.String("action", action),
			slog.String("url", msg.Resource.URL),
			slog.Any("error", err))
		return false
	}

	metrics.ScheduledTotal.WithLabelValues(action).Inc()
	return true
}
