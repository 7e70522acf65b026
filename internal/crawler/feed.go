package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"newsriver/internal/domain"
)

// FeedCrawler parses RSS/Atom feeds and announces each entry as an article
// to be saved.
type FeedCrawler struct {
	articles Publisher
	parser   *gofeed.Parser
	logger   *slog.Logger
}

// NewFeedCrawler builds the feed subtype. articles must publish to the
// articles exchange.
func NewFeedCrawler(articles Publisher, logger *slog.Logger) *FeedCrawler {
	return &FeedCrawler{
		articles: articles,
		parser:   gofeed.NewParser(),
		logger:   logger,
	}
}

func (f *FeedCrawler) ResourceType() string   { return "feed" }
func (f *FeedCrawler) SourceExchange() string { return domain.ExchangeFeeds }
func (f *FeedCrawler) SourceKey() string      { return domain.RouteCrawlFeed }

// Crawl parses the feed and publishes save_article for every entry with a
// link. RSS makes language a feed-global attribute, so every entry inherits
// the feed's language.
func (f *FeedCrawler) Crawl(ctx context.Context, res domain.Resource, contents []byte, _ http.Header) (map[string]any, error) {
	feed, err := f.parser.ParseString(string(contents))
	if err != nil {
		return nil, &domain.ParseError{URL: res.URL, Err: err}
	}
	if feed == nil || (feed.Title == "" && len(feed.Items) == 0) {
		return nil, &domain.ParseError{URL: res.URL, Err: fmt.Errorf("empty feed")}
	}

	lang := normalizeLanguage(feed.Language, res.Lang)

	f.logger.Info("crawling feed",
		slog.String("url", res.URL),
		slog.String("lang", lang),
		slog.Int("entries", len(feed.Items)))

	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		err := f.articles.Publish(ctx, domain.RouteSaveArticle, domain.SaveArticleMessage{
			Article: domain.SaveArticle{URL: item.Link, Lang: lang},
		})
		if err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// normalizeLanguage reduces a feed language tag ("en-US", "pt-BR") to its
// two-letter code, falling back to the resource's own language, then "en".
func normalizeLanguage(feedLang, resourceLang string) string {
	lang := strings.TrimSpace(feedLang)
	if len(lang) >= 2 {
		return strings.ToLower(lang[:2])
	}
	if resourceLang != "" {
		return resourceLang
	}
	return "en"
}
