package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// recommendParams is the request the server sends to a connected recsystem.
type recommendParams struct {
	UserID string `json:"user_id"`
	Limit  int64  `json:"limit"`
}

// handleRecommendations lists articles for the calling user. With a
// connected recsystem named in the query, the recsystem picks the article
// IDs over its event-stream socket; otherwise the newest articles are
// returned, paged by article_id.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireRole(w, r, "user")
	if !ok {
		return
	}

	limit := int64(s.cfg.RecommendationsDefaultLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var (
		articles []bson.M
		err      error
	)
	if recsystem := r.URL.Query().Get("recsystem"); recsystem != "" {
		articles, err = s.recommendedArticles(r.Context(), recsystem, claims.Subject, limit)
	} else {
		articles, err = s.latestArticles(r.Context(), r.URL.Query(), limit)
	}
	if err != nil {
		s.logger.Error("recommendations failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "recommendations unavailable")
		return
	}

	views := make([]bson.M, 0, len(articles))
	for _, article := range articles {
		view, err := s.articleView(r.Context(), r, article)
		if err != nil {
			s.logger.Error("failed to build article view", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": views})
}

// recommendedArticles asks a connected recsystem to pick article IDs for the
// user, then loads the picked articles.
func (s *Server) recommendedArticles(ctx context.Context, recsystem, userID string, limit int64) ([]bson.M, error) {
	doc, err := s.findRecsystem(ctx, recsystem)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("unknown recsystem %q", recsystem)
	}

	conn := s.recsystemConn(docIDString(doc["_id"]))
	if conn == nil {
		return nil, fmt.Errorf("recsystem %q is not connected", recsystem)
	}

	var articleIDs []int64
	err = conn.Call(ctx, "recommend", recommendParams{UserID: userID, Limit: limit}, &articleIDs)
	if err != nil {
		return nil, fmt.Errorf("recommend call to %q: %w", recsystem, err)
	}

	articles := make([]bson.M, 0, len(articleIDs))
	for _, id := range articleIDs {
		article, err := s.store.FindOne(ctx, "articles", bson.M{"article_id": id})
		if err != nil {
			return nil, err
		}
		if article == nil {
			// The recsystem may lag behind deletions; skip silently.
			continue
		}
		articles = append(articles, article)
	}
	return articles, nil
}

// latestArticles pages scraped articles newest-first by article_id, with
// since_id/max_id cursors.
func (s *Server) latestArticles(ctx context.Context, query map[string][]string, limit int64) ([]bson.M, error) {
	idFilter := bson.M{"$exists": true}
	if raw := first(query, "since_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid since_id %q", raw)
		}
		idFilter["$gt"] = id
	}
	if raw := first(query, "max_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid max_id %q", raw)
		}
		idFilter["$lt"] = id
	}

	return s.store.Find(ctx, "articles", bson.M{"article_id": idFilter},
		bson.D{{Key: "article_id", Value: -1}}, limit)
}

// articleView shapes one article document for the API: contents and _id are
// stripped, the site document is embedded, and its icon URL is rewritten to
// this API's icon endpoint.
func (s *Server) articleView(ctx context.Context, r *http.Request, article bson.M) (bson.M, error) {
	view := make(bson.M, len(article))
	for k, v := range article {
		if k == "_id" || k == "contents" {
			continue
		}
		view[k] = v
	}

	siteID, ok := article["site"]
	if !ok {
		return view, nil
	}
	site, err := s.store.FindOne(ctx, "sites", bson.M{"_id": siteID})
	if err != nil {
		return nil, err
	}
	if site == nil {
		delete(view, "site")
		return view, nil
	}

	siteView := make(bson.M, len(site))
	for k, v := range site {
		if k == "_id" {
			continue
		}
		siteView[k] = v
	}
	if iconID, ok := site["icon_resource_id"]; ok {
		siteView["icon_url"] = iconURL(r, docIDString(iconID))
	}
	view["site"] = siteView
	return view, nil
}

// iconURL rebuilds an icon link against the request's own base URL.
func iconURL(r *http.Request, iconID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/v1/images/icons/%s", scheme, r.Host, iconID)
}

func first(query map[string][]string, key string) string {
	values := query[key]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
