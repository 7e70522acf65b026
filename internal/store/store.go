// Package store implements the document store on MongoDB. Resources are
// keyed by URL within their collection; updates are expressed as mongo update
// documents so status stamps and stat counters apply atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"newsriver/internal/config"
	"newsriver/internal/domain"
)

const connectTimeout = 10 * time.Second

// Store wraps a single database handle. All pipeline collections live in it.
type Store struct {
	db     *mongo.Database
	logger *slog.Logger
}

// Connect dials the store and verifies the connection.
func Connect(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	logger.Info("connected to store", slog.String("database", cfg.Database))
	return &Store{db: client.Database(cfg.Database), logger: logger}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// EnsureIndexes creates the unique indexes the pipeline's idempotence
// depends on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	urlUnique := []mongo.IndexModel{{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	}}

	for _, coll := range []string{
		domain.CollectionFeeds,
		domain.CollectionArticles,
		domain.CollectionImages,
		domain.CollectionSites,
	} {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, urlUnique); err != nil {
			return fmt.Errorf("create url index on %s: %w", coll, err)
		}
	}

	if _, err := s.db.Collection("recsystems").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create name index on recsystems: %w", err)
	}

	if _, err := s.db.Collection("interactions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "article_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create interaction index: %w", err)
	}
	return nil
}

// ApplyUpdate runs a findOneAndUpdate returning the post-update document.
// A nil document with nil error means no document matched (and upsert was
// off).
func (s *Store) ApplyUpdate(ctx context.Context, collection string, filter, update bson.M, upsert bool) (bson.M, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(upsert).
		SetReturnDocument(options.After)

	var doc bson.M
	err := s.db.Collection(collection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", collection, err)
	}
	return doc, nil
}

// FindOne returns a single matching document, or nil when none matches.
func (s *Store) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	return doc, nil
}

// Find returns all documents matching filter, optionally sorted and limited.
func (s *Store) Find(ctx context.Context, collection string, filter bson.M, sort bson.D, limit int64) ([]bson.M, error) {
	opts := options.Find()
	if sort != nil {
		opts.SetSort(sort)
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read %s cursor: %w", collection, err)
	}
	return docs, nil
}

// InsertOne inserts a document; uniqueness violations map to
// domain.ErrDuplicate.
func (s *Store) InsertOne(ctx context.Context, collection string, doc bson.M) error {
	_, err := s.db.Collection(collection).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

// DeleteOne removes a single matching document.
func (s *Store) DeleteOne(ctx context.Context, collection string, filter bson.M) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

// NextSeq returns the next value of a named monotonic sequence, starting at
// zero. Sequence state lives in the sequences collection so that all
// controller processes draw from the same counter.
func (s *Store) NextSeq(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection("sequences").FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// First draw creates the sequence document.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("advance sequence %s: %w", name, err)
	}
	return doc.Seq, nil
}
