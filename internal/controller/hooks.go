package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/domain"
)

// preCrawlImages restores the raw image bytes before they are stored. The
// update message travels as JSON, which encodes binary contents as a base64
// string.
func (c *Controller) preCrawlImages(_ context.Context, url string, status domain.Status, updates map[string]any) (map[string]any, error) {
	if !status.OK {
		return updates, nil
	}
	encoded, ok := updates["contents"].(string)
	if !ok {
		return updates, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image contents for %s: %w", url, err)
	}
	updates["contents"] = decoded
	return updates, nil
}

// preScrapeArticles runs before scrape results are merged into an article:
// it assigns the article_id on first successful scrape, files the site's
// icon for download, and replaces the embedded site metadata with a
// reference to the upserted site document.
func (c *Controller) preScrapeArticles(ctx context.Context, url string, status domain.Status, updates map[string]any) (map[string]any, error) {
	if !status.OK {
		return updates, nil
	}

	// article_id is assigned exactly once per URL. A second successful
	// scrape (re-crawl races) must not reassign it.
	existing, err := c.store.FindOne(ctx, domain.CollectionArticles, bson.M{
		"url":        url,
		"article_id": bson.M{"$exists": true},
	})
	if err != nil {
		return nil, err
	}
	if existing == nil {
		seq, err := c.store.NextSeq(ctx, "article_id")
		if err != nil {
			return nil, err
		}
		updates["article_id"] = seq
	}

	site := siteMap(updates["site"])
	delete(updates, "site")
	if site == nil {
		return updates, nil
	}

	if iconURL, _ := site["icon_url"].(string); iconURL != "" {
		iconDoc, err := c.maybeCrawlImage(ctx, iconURL)
		if err != nil {
			return nil, err
		}
		if iconDoc != nil {
			site["icon_resource_id"] = iconDoc["_id"]
			site["icon_url"] = docString(iconDoc, "url")
		}
	}

	siteDoc, err := c.store.ApplyUpdate(ctx, domain.CollectionSites,
		bson.M{"url": site["url"]}, bson.M{"$set": bson.M(site)}, true)
	if err != nil {
		return nil, err
	}
	updates["site"] = siteDoc["_id"]

	return updates, nil
}

// postScrapeArticles announces a successfully scraped article on the event
// stream with its site document embedded. Contents are stripped: recsystems
// work from the extracted metadata, not the raw HTML.
func (c *Controller) postScrapeArticles(ctx context.Context, doc bson.M, status domain.Status) error {
	if !status.OK || doc == nil {
		return nil
	}

	site := bson.M{}
	if siteID, ok := doc["site"]; ok {
		found, err := c.store.FindOne(ctx, domain.CollectionSites, bson.M{"_id": siteID})
		if err != nil {
			return err
		}
		if found != nil {
			site = found
		}
	}

	article := make(bson.M, len(doc))
	for k, v := range doc {
		if k == "_id" || k == "contents" {
			continue
		}
		article[k] = v
	}
	article["site"] = site

	event, err := domain.NewEvent(domain.EventNewArticle, article)
	if err != nil {
		c.logger.Error("failed to encode NEW_ARTICLE event", slog.Any("error", err))
		return nil
	}

	c.logger.Info("publishing NEW_ARTICLE event", slog.String("url", docString(doc, "url")))
	return c.publishers.EventStream.Publish(ctx, domain.RouteSendEvent, event)
}

// maybeCrawlImage upserts an image document for url and, if its bytes have
// not been fetched yet, enqueues its download. Redirected image documents
// resolve to their canonical document.
func (c *Controller) maybeCrawlImage(ctx context.Context, url string) (bson.M, error) {
	imgDoc, err := c.store.ApplyUpdate(ctx, domain.CollectionImages,
		bson.M{"url": url}, bson.M{"$set": bson.M{"url": url}}, true)
	if err != nil {
		return nil, err
	}

	if imgDoc != nil {
		if redirect, _ := imgDoc["is_redirect"].(bool); redirect {
			canonical, err := c.store.FindOne(ctx, domain.CollectionImages,
				bson.M{"url": docString(imgDoc, "canonical_url")})
			if err != nil {
				return nil, err
			}
			if canonical != nil {
				imgDoc = canonical
			}
		}
	}

	if imgDoc != nil && !hasContents(imgDoc) {
		err := c.publishers.Images.Publish(ctx, domain.RouteCrawlImage, domain.CrawlMessage{
			Resource: resourceFromDoc(imgDoc),
		})
		if err != nil {
			return nil, err
		}
	}
	return imgDoc, nil
}

func hasContents(doc bson.M) bool {
	switch contents := doc["contents"].(type) {
	case nil:
		return false
	case string:
		return contents != ""
	case []byte:
		return len(contents) > 0
	default:
		return true
	}
}

// siteMap normalizes the scraped site metadata, which arrives as a JSON
// object, into a mutable map.
func siteMap(v any) map[string]any {
	switch site := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return site
	case bson.M:
		return site
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		return m
	}
}
