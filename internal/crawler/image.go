package crawler

import (
	"context"
	"log/slog"
	"net/http"

	"newsriver/internal/domain"
)

// ImageCrawler stores fetched image bytes. Currently only site icons flow
// through it.
type ImageCrawler struct {
	logger *slog.Logger
}

// NewImageCrawler builds the image subtype.
func NewImageCrawler(logger *slog.Logger) *ImageCrawler {
	return &ImageCrawler{logger: logger}
}

func (i *ImageCrawler) ResourceType() string   { return "image" }
func (i *ImageCrawler) SourceExchange() string { return domain.ExchangeImages }
func (i *ImageCrawler) SourceKey() string      { return domain.RouteCrawlImage }

// Crawl records the raw bytes and MIME type; images have no downstream work.
func (i *ImageCrawler) Crawl(_ context.Context, res domain.Resource, contents []byte, headers http.Header) (map[string]any, error) {
	i.logger.Info("crawling image",
		slog.String("url", res.URL),
		slog.Int("bytes", len(contents)))

	updates := map[string]any{"contents": contents}
	if headers != nil {
		if ct := headers.Get("Content-Type"); ct != "" {
			updates["content_type"] = ct
		}
	}
	return updates, nil
}
