// Package controller owns the pipeline's control plane: the periodic
// scheduler that enqueues crawl/scrape work, the reconciler that applies
// resource updates back into the store, and the RPC methods operators and
// the web API call.
package controller

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/config"
	"newsriver/internal/domain"
)

// Store is the document-store capability the controller needs. Filters and
// updates use the store's native update operators so status stamps and
// counters apply atomically.
type Store interface {
	ApplyUpdate(ctx context.Context, collection string, filter, update bson.M, upsert bool) (bson.M, error)
	FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error)
	Find(ctx context.Context, collection string, filter bson.M, sort bson.D, limit int64) ([]bson.M, error)
	InsertOne(ctx context.Context, collection string, doc bson.M) error
	DeleteOne(ctx context.Context, collection string, filter bson.M) error
	NextSeq(ctx context.Context, name string) (int64, error)

	DueFeeds(ctx context.Context, since time.Time) ([]bson.M, error)
	UncrawledArticles(ctx context.Context) ([]bson.M, error)
	UnscrapedArticles(ctx context.Context) ([]bson.M, error)
}

// Publisher is the broker capability the controller needs, one per exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// TokenSigner issues auth tokens for registered recsystems.
type TokenSigner interface {
	Sign(subject, role, tokenID string) (string, error)
}

// Publishers groups the exchanges the controller emits on.
type Publishers struct {
	Feeds       Publisher
	Articles    Publisher
	Images      Publisher
	EventStream Publisher
}

// Controller coordinates scheduling and reconciliation for all resource
// collections.
type Controller struct {
	store      Store
	cfg        config.ControllerConfig
	publishers Publishers
	signer     TokenSigner
	inflight   *Inflight
	logger     *slog.Logger
	now        func() time.Time

	preHooks  map[hookKey]preHook
	postHooks map[hookKey]postHook
}

// hookKey identifies a reconciliation hook by operation and collection.
type hookKey struct {
	op         domain.Operation
	collection string
}

// preHook runs before updates are merged into the store document; it may
// rewrite the updates (assign IDs, replace embedded documents with
// references).
type preHook func(ctx context.Context, url string, status domain.Status, updates map[string]any) (map[string]any, error)

// postHook runs after the store document was updated.
type postHook func(ctx context.Context, doc bson.M, status domain.Status) error

// New builds a controller. Hooks are registered here, explicitly, one entry
// per (operation, collection) pair.
func New(store Store, cfg config.ControllerConfig, publishers Publishers, signer TokenSigner, logger *slog.Logger) *Controller {
	c := &Controller{
		store:      store,
		cfg:        cfg,
		publishers: publishers,
		signer:     signer,
		inflight:   NewInflight(),
		logger:     logger,
		now:        time.Now,
	}

	c.preHooks = map[hookKey]preHook{
		{domain.OpScrape, domain.CollectionArticles}: c.preScrapeArticles,
		{domain.OpCrawl, domain.CollectionImages}:    c.preCrawlImages,
	}
	c.postHooks = map[hookKey]postHook{
		{domain.OpScrape, domain.CollectionArticles}: c.postScrapeArticles,
	}

	return c
}
