package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/broker"
	"newsriver/internal/domain"
	"newsriver/internal/observability/metrics"
)

// UpdateHandler returns a broker handler applying update_<type> messages
// against the named collection.
func (c *Controller) UpdateHandler(collection string) broker.Handler {
	return func(ctx context.Context, body []byte) broker.Result {
		var upd domain.ResourceUpdate
		if err := json.Unmarshal(body, &upd); err != nil {
			c.logger.Warn("malformed resource update, dropping",
				slog.String("collection", collection), slog.Any("error", err))
			return broker.Reject
		}
		if upd.Resource.URL == "" {
			c.logger.Warn("resource update without url, dropping",
				slog.String("collection", collection))
			return broker.Reject
		}

		if err := c.UpdateResource(ctx, collection, upd); err != nil {
			// Store unavailable or a downstream publish failed; let the
			// broker redeliver.
			c.logger.Error("failed to apply resource update, requeueing",
				slog.String("collection", collection),
				slog.String("url", upd.Resource.URL),
				slog.Any("error", err))
			return broker.NackRequeue
		}
		return broker.Ack
	}
}

// UpdateResource reconciles one crawl/scrape result into the store: stamp
// the status, merge updates through the pre-hook, bump stats counters,
// resolve canonical-URL redirects, and fire the post-hook.
func (c *Controller) UpdateResource(ctx context.Context, collection string, upd domain.ResourceUpdate) error {
	c.logger.Info("updating resource",
		slog.String("collection", collection),
		slog.String("url", upd.Resource.URL),
		slog.String("operation", string(upd.Type)),
		slog.Bool("ok", upd.Status.OK))

	set := bson.M{fmt.Sprintf("%s_status", upd.Type): upd.Status}
	updates := upd.Updates

	isRedirect := false
	canon, _ := updates["canonical_url"].(string)
	if canon != "" && canon != upd.Resource.URL {
		// The crawl followed a redirect. Mark this document as a shadow of
		// the canonical URL and reconcile the same result against the
		// canonical document first.
		isRedirect = true
		set["canonical_url"] = canon
		set["is_redirect"] = true

		canonical := upd
		canonical.Resource.URL = canon
		if err := c.UpdateResource(ctx, collection, canonical); err != nil {
			return err
		}
	} else if len(updates) > 0 {
		if hook := c.preHooks[hookKey{upd.Type, collection}]; hook != nil {
			var err error
			updates, err = hook(ctx, upd.Resource.URL, upd.Status, updates)
			if err != nil {
				return err
			}
		}
		for k, v := range updates {
			set[k] = v
		}
	}

	result := "success"
	if !upd.Status.OK {
		result = "error"
	}
	set[fmt.Sprintf("%s_stats.last_%s", upd.Type, result)] = upd.Status.When
	update := bson.M{
		"$set": set,
		"$inc": bson.M{fmt.Sprintf("%s_stats.%s_count", upd.Type, result): 1},
	}

	doc, err := c.store.ApplyUpdate(ctx, collection, bson.M{"url": upd.Resource.URL}, update, false)
	if err != nil {
		return err
	}
	if doc == nil {
		// The scheduler re-drives any missed work on its next sweep.
		c.logger.Warn("resource not found in collection",
			slog.String("collection", collection),
			slog.String("url", upd.Resource.URL))
		return nil
	}

	action := fmt.Sprintf("%s_%s", upd.Type, collection)
	c.inflight.Remove(action, idString(doc["_id"]))

	if isRedirect {
		if err := c.upsertCanonical(ctx, collection, action, doc, canon, upd.Updates); err != nil {
			return err
		}
	} else if hook := c.postHooks[hookKey{upd.Type, collection}]; hook != nil {
		if err := hook(ctx, doc, upd.Status); err != nil {
			return err
		}
	}

	metrics.RecordReconcile(collection, string(upd.Type), upd.Status.OK)
	return nil
}

// upsertCanonical clones a redirected document under its canonical URL. The
// clone sheds _id and the redirect marker and absorbs the crawler's updates,
// becoming the document all future crawls target.
func (c *Controller) upsertCanonical(ctx context.Context, collection, action string, doc bson.M, canon string, updates map[string]any) error {
	clone := make(bson.M, len(doc)+len(updates))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		clone[k] = v
	}
	clone["url"] = canon
	clone["is_redirect"] = false
	for k, v := range updates {
		clone[k] = v
	}

	canonDoc, err := c.store.ApplyUpdate(ctx, collection, bson.M{"url": canon}, bson.M{"$set": clone}, true)
	if err != nil {
		return err
	}
	if canonDoc != nil {
		c.inflight.Remove(action, idString(canonDoc["_id"]))
	}
	return nil
}

// HandleSaveArticle consumes save_article messages from the feed crawlers.
// Articles are upserted by URL, so a URL appearing in many feeds (or many
// sweeps) yields one document with times_seen counting the sightings.
func (c *Controller) HandleSaveArticle(ctx context.Context, body []byte) broker.Result {
	var msg domain.SaveArticleMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("malformed save_article message, dropping", slog.Any("error", err))
		return broker.Reject
	}
	if msg.Article.URL == "" {
		c.logger.Warn("save_article without url, dropping")
		return broker.Reject
	}

	if err := c.SaveArticle(ctx, msg.Article); err != nil {
		c.logger.Error("failed to save article, requeueing",
			slog.String("url", msg.Article.URL), slog.Any("error", err))
		return broker.NackRequeue
	}
	return broker.Ack
}

// SaveArticle upserts the article and, on first sighting, enqueues its
// crawl immediately rather than waiting for the next sweep.
func (c *Controller) SaveArticle(ctx context.Context, article domain.SaveArticle) error {
	update := bson.M{
		"$set": bson.M{"url": article.URL, "lang": article.Lang},
		"$inc": bson.M{"times_seen": 1},
		"$currentDate": bson.M{"last_seen": true},
	}

	doc, err := c.store.ApplyUpdate(ctx, domain.CollectionArticles, bson.M{"url": article.URL}, update, true)
	if err != nil {
		return err
	}

	if timesSeen(doc) > 1 {
		c.logger.Debug("article already known", slog.String("url", article.URL))
		return nil
	}

	c.logger.Info("new article discovered", slog.String("url", article.URL))
	if !c.inflight.Add(ActionCrawlArticles, idString(doc["_id"])) {
		return nil
	}
	err = c.publishers.Articles.Publish(ctx, domain.RouteCrawlArticle, domain.CrawlMessage{
		Resource: resourceFromDoc(doc),
	})
	if err != nil {
		c.inflight.Remove(ActionCrawlArticles, idString(doc["_id"]))
		return err
	}
	return nil
}

func timesSeen(doc bson.M) int64 {
	switch n := doc["times_seen"].(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
