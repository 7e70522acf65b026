package web

import (
	"log/slog"
	"net/http"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"

	"newsriver/internal/domain"
)

// interactionView is a user's interaction state for one article.
type interactionView struct {
	UserID     string `json:"user_id"`
	ArticleID  int64  `json:"article_id"`
	Rating     int64  `json:"rating"`
	Bookmarked bool   `json:"bookmarked"`
	Clicked    bool   `json:"clicked"`
}

// interactionBody is the POST payload; absent fields keep their stored value.
type interactionBody struct {
	Rating     *int64 `json:"rating"`
	Bookmarked *bool  `json:"bookmarked"`
	Clicked    *bool  `json:"clicked"`
}

func articleIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("article_id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireRole(w, r, "user")
	if !ok {
		return
	}
	articleID, ok := articleIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid article id")
		return
	}

	doc, err := s.store.FindOne(r.Context(), "interactions", bson.M{
		"user_id": claims.Subject, "article_id": articleID,
	})
	if err != nil {
		s.logger.Error("interaction lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	view := interactionView{UserID: claims.Subject, ArticleID: articleID}
	if doc != nil {
		view.Rating = docInt(doc, "rating")
		view.Bookmarked, _ = doc["bookmarked"].(bool)
		view.Clicked, _ = doc["clicked"].(bool)
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePostInteraction upserts the caller's interaction with an article,
// applies the resulting counter diffs to the article document, and announces
// the change on the event stream so recsystems can react to it.
func (s *Server) handlePostInteraction(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireRole(w, r, "user")
	if !ok {
		return
	}
	articleID, ok := articleIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid article id")
		return
	}

	var body interactionBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Rating != nil && (*body.Rating < -1 || *body.Rating > 1) {
		writeError(w, http.StatusBadRequest, "rating must be -1, 0 or 1")
		return
	}

	ctx := r.Context()
	article, err := s.store.FindOne(ctx, "articles", bson.M{"article_id": articleID})
	if err != nil {
		s.logger.Error("article lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if article == nil {
		writeError(w, http.StatusNotFound, "article not found")
		return
	}

	filter := bson.M{"user_id": claims.Subject, "article_id": articleID}
	previous, err := s.store.FindOne(ctx, "interactions", filter)
	if err != nil {
		s.logger.Error("interaction lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	view := interactionView{UserID: claims.Subject, ArticleID: articleID}
	if previous != nil {
		view.Rating = docInt(previous, "rating")
		view.Bookmarked, _ = previous["bookmarked"].(bool)
		view.Clicked, _ = previous["clicked"].(bool)
	}
	oldRating, oldBookmarked := view.Rating, view.Bookmarked
	if body.Rating != nil {
		view.Rating = *body.Rating
	}
	if body.Bookmarked != nil {
		view.Bookmarked = *body.Bookmarked
	}
	if body.Clicked != nil {
		view.Clicked = *body.Clicked
	}

	_, err = s.store.ApplyUpdate(ctx, "interactions", filter, bson.M{"$set": bson.M{
		"user_id":    claims.Subject,
		"article_id": articleID,
		"rating":     view.Rating,
		"bookmarked": view.Bookmarked,
		"clicked":    view.Clicked,
	}}, true)
	if err != nil {
		s.logger.Error("interaction upsert failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if inc := interactionDiffs(oldRating, view.Rating, oldBookmarked, view.Bookmarked); len(inc) > 0 {
		_, err = s.store.ApplyUpdate(ctx, "articles", bson.M{"article_id": articleID},
			bson.M{"$inc": inc}, false)
		if err != nil {
			s.logger.Error("article counters update failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	event, err := domain.NewEvent(domain.EventArticleInteraction, view)
	if err == nil {
		err = s.events.Publish(ctx, domain.RouteSendEvent, event)
	}
	if err != nil {
		s.logger.Error("failed to publish interaction event", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// interactionDiffs translates an interaction transition into increments for
// the article's metrics subdocument.
func interactionDiffs(oldRating, newRating int64, oldBookmarked, newBookmarked bool) bson.M {
	inc := bson.M{}
	if d := boolToInt(newRating == 1) - boolToInt(oldRating == 1); d != 0 {
		inc["metrics.likes"] = d
	}
	if d := boolToInt(newRating == -1) - boolToInt(oldRating == -1); d != 0 {
		inc["metrics.dislikes"] = d
	}
	if d := boolToInt(newBookmarked) - boolToInt(oldBookmarked); d != 0 {
		inc["metrics.bookmarks"] = d
	}
	return inc
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
