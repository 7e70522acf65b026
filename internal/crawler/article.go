package crawler

import (
	"context"
	"log/slog"
	"net/http"

	"newsriver/internal/domain"
)

// ArticleCrawler hands fetched article HTML to the scraper and records the
// contents on the article document.
type ArticleCrawler struct {
	articles Publisher
	logger   *slog.Logger
}

// NewArticleCrawler builds the article subtype. articles must publish to the
// articles exchange.
func NewArticleCrawler(articles Publisher, logger *slog.Logger) *ArticleCrawler {
	return &ArticleCrawler{articles: articles, logger: logger}
}

func (a *ArticleCrawler) ResourceType() string   { return "article" }
func (a *ArticleCrawler) SourceExchange() string { return domain.ExchangeArticles }
func (a *ArticleCrawler) SourceKey() string      { return domain.RouteCrawlArticle }

// Crawl enqueues a scrape for the article under its canonical URL. When the
// crawl followed a redirect the scrape targets the canonical document, which
// the reconciler creates from this same update.
func (a *ArticleCrawler) Crawl(ctx context.Context, res domain.Resource, contents []byte, _ http.Header) (map[string]any, error) {
	a.logger.Info("crawling article", slog.String("url", res.URL))

	scrapeTarget := res
	if res.CanonicalURL != "" {
		scrapeTarget.URL = res.CanonicalURL
	}
	scrapeTarget.Contents = string(contents)

	err := a.articles.Publish(ctx, domain.RouteScrapeArticle, domain.CrawlMessage{
		Resource: scrapeTarget,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"contents": string(contents)}, nil
}
