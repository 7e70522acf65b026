package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/domain"
)

// notRedirect selects documents that are crawl targets in their own right.
// is_redirect=true documents are shadows of their canonical URL's document.
var notRedirect = bson.M{"$or": bson.A{
	bson.M{"is_redirect": false},
	bson.M{"is_redirect": bson.M{"$exists": false}},
}}

// DueFeeds returns feeds never crawled or last crawled at or before since.
func (s *Store) DueFeeds(ctx context.Context, since time.Time) ([]bson.M, error) {
	filter := bson.M{"$and": bson.A{
		notRedirect,
		bson.M{"$or": bson.A{
			bson.M{"crawl_status.when": bson.M{"$exists": false}},
			bson.M{"crawl_status.when": bson.M{"$lte": since}},
		}},
	}}
	return s.Find(ctx, domain.CollectionFeeds, filter, nil, 0)
}

// UncrawledArticles returns articles with no contents and no crawl attempt
// yet, most recently seen first.
func (s *Store) UncrawledArticles(ctx context.Context) ([]bson.M, error) {
	filter := bson.M{"$and": bson.A{
		notRedirect,
		bson.M{"contents": bson.M{"$exists": false}},
		bson.M{"crawl_status.when": bson.M{"$exists": false}},
	}}
	return s.Find(ctx, domain.CollectionArticles, filter, lastSeenDesc(), 0)
}

// UnscrapedArticles returns crawled articles with no scrape attempt yet,
// most recently seen first.
func (s *Store) UnscrapedArticles(ctx context.Context) ([]bson.M, error) {
	filter := bson.M{"$and": bson.A{
		notRedirect,
		bson.M{"contents": bson.M{"$exists": true}},
		bson.M{"scrape_status.when": bson.M{"$exists": false}},
	}}
	return s.Find(ctx, domain.CollectionArticles, filter, lastSeenDesc(), 0)
}

// lastSeenDesc prioritizes articles that most recently appeared in a feed.
func lastSeenDesc() bson.D {
	return bson.D{{Key: "last_seen", Value: -1}}
}
