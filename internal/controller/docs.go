package controller

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"newsriver/internal/domain"
)

// idString renders a document _id for in-flight tracking. Fakes in tests use
// plain strings; the real store uses ObjectIDs.
func idString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

func docString(doc bson.M, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	default:
		return time.Time{}, false
	}
}

func subDoc(v any) bson.M {
	switch m := v.(type) {
	case bson.M:
		return m
	case map[string]any:
		return m
	default:
		return nil
	}
}

// resourceFromDoc converts a store document into the wire resource handed to
// crawlers and scrapers.
func resourceFromDoc(doc bson.M) domain.Resource {
	res := domain.Resource{
		URL:          docString(doc, "url"),
		CanonicalURL: docString(doc, "canonical_url"),
		Lang:         docString(doc, "lang"),
		Type:         docString(doc, "type"),
		Contents:     docString(doc, "contents"),
	}
	if redirect, ok := doc["is_redirect"].(bool); ok {
		res.IsRedirect = redirect
	}
	if cc := subDoc(doc["cache_control"]); cc != nil {
		res.CacheControl.ETag = docString(cc, "etag")
		res.CacheControl.SHA1 = docString(cc, "sha1")
		if t, ok := docTime(cc["last_modified"]); ok {
			res.CacheControl.LastModified = &t
		}
	}
	return res
}
