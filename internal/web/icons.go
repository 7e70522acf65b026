package web

import (
	"encoding/base64"
	"log/slog"
	"net/http"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// handleIcon serves a site icon's stored bytes under the content type the
// image crawler recorded.
func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	iconID := r.PathValue("icon_id")

	filter := bson.M{"_id": iconID}
	if oid, err := primitive.ObjectIDFromHex(iconID); err == nil {
		filter = bson.M{"_id": oid}
	}

	doc, err := s.store.FindOne(r.Context(), "images", filter)
	if err != nil {
		s.logger.Error("icon lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "icon not found")
		return
	}

	contents := imageBytes(doc["contents"])
	if len(contents) == 0 {
		// Known but not yet downloaded.
		writeError(w, http.StatusNotFound, "icon not available yet")
		return
	}

	contentType, _ := doc["content_type"].(string)
	if contentType == "" {
		contentType = http.DetectContentType(contents)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(contents); err != nil {
		s.logger.Error("failed to write icon response", slog.Any("error", err))
	}
}

// imageBytes unpacks image contents however the store hands them back.
func imageBytes(v any) []byte {
	switch contents := v.(type) {
	case []byte:
		return contents
	case primitive.Binary:
		return contents.Data
	case string:
		// Documents written before the reconciler decoded image updates
		// carry the JSON transport encoding.
		if decoded, err := base64.StdEncoding.DecodeString(contents); err == nil {
			return decoded
		}
		return []byte(contents)
	default:
		return nil
	}
}
