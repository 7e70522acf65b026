package crawler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
	"newsriver/internal/observability/metrics"
)

// Publisher is the broker capability the crawlers need.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Subtype implements the type-specific half of a crawl: interpreting fetched
// contents and emitting follow-up work. The generic crawler handles fetching,
// status capture, and publishing the resource update.
type Subtype interface {
	// ResourceType names the resource kind; updates are published under
	// "update_" + ResourceType.
	ResourceType() string

	// SourceExchange and SourceKey locate the queue the crawler consumes.
	SourceExchange() string
	SourceKey() string

	// Crawl interprets fetched contents. The returned map is merged into the
	// update sent to the controller.
	Crawl(ctx context.Context, res domain.Resource, contents []byte, headers http.Header) (map[string]any, error)
}

// Crawler drives the fetch → parse → report cycle for one resource subtype.
// Errors in either step never abort the cycle: they are captured into the
// status and reported to the controller like any other outcome.
type Crawler struct {
	subtype Subtype
	fetcher *Fetcher
	source  Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a crawler. source must publish to the subtype's source exchange.
func New(subtype Subtype, fetcher *Fetcher, source Publisher, logger *slog.Logger) *Crawler {
	return &Crawler{
		subtype: subtype,
		fetcher: fetcher,
		source:  source,
		logger:  logger.With(slog.String("resource_type", subtype.ResourceType())),
		now:     time.Now,
	}
}

// Run consumes crawl jobs until ctx is done. Prefetch is 1 so the broker
// provides backpressure: the next job arrives only after the current one is
// settled.
func (c *Crawler) Run(ctx context.Context, b *broker.Broker) error {
	return b.Worker(ctx, c.subtype.SourceExchange(), c.subtype.SourceKey(),
		broker.WorkerOptions{Prefetch: 1}, c.Handle)
}

// Handle processes one crawl job body.
func (c *Crawler) Handle(ctx context.Context, body []byte) broker.Result {
	var msg domain.CrawlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("malformed crawl message, dropping", slog.Any("error", err))
		return broker.Reject
	}
	if msg.Resource.URL == "" {
		c.logger.Warn("crawl message without url, dropping")
		return broker.Reject
	}

	if err := c.CrawlResource(ctx, msg.Resource); err != nil {
		// Only the final update publish can fail here; redeliver so the
		// controller eventually hears about this crawl.
		c.logger.Error("failed to report crawl result, requeueing",
			slog.String("url", msg.Resource.URL), slog.Any("error", err))
		return broker.NackRequeue
	}
	return broker.Ack
}

// CrawlResource fetches the resource, runs the subtype crawl on fresh
// contents, and always publishes an update for the controller to reconcile.
func (c *Crawler) CrawlResource(ctx context.Context, res domain.Resource) error {
	started := c.now()
	status := domain.OKStatus(started)

	fetched, contents, headers, err := c.fetcher.Fetch(ctx, res, true)
	if err != nil {
		status = domain.FailStatus(err, status.When)
		c.logger.Warn("fetch failed",
			slog.String("url", res.URL),
			slog.String("error_type", status.ErrorType),
			slog.Any("error", err))
	} else {
		res = fetched
	}

	updates := touchedCacheFields(res)

	switch {
	case contents != nil:
		status = domain.OKStatus(c.now())
		result, err := c.subtype.Crawl(ctx, res, contents, headers)
		if err != nil {
			status = domain.FailStatus(err, status.When)
			c.logger.Warn("crawl failed",
				slog.String("url", res.URL),
				slog.String("error_type", status.ErrorType),
				slog.Any("error", err))
		}
		for k, v := range result {
			updates[k] = v
		}
	case status.OK:
		// Fetched successfully but the resource was unmodified.
		c.logger.Info("ignoring unmodified resource", slog.String("url", res.URL))
		metrics.RecordUnmodified(c.subtype.ResourceType())
	}

	metrics.RecordCrawl(c.subtype.ResourceType(), status.OK, c.now().Sub(started))

	return c.source.Publish(ctx, "update_"+c.subtype.ResourceType(), domain.ResourceUpdate{
		Resource: domain.ResourceRef{URL: res.URL},
		Type:     domain.OpCrawl,
		Status:   status,
		Updates:  updates,
	})
}
