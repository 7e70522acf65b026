// Package domain defines the core entities moved through the crawl/scrape
// pipeline: URL-keyed resources (feeds, articles, images), the status and
// stats records stamped on every attempt, and the event envelope consumed by
// recommendation systems.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Collection names in the document store. The broker exchange carrying work
// for a resource type always shares the collection's name.
const (
	CollectionFeeds    = "feeds"
	CollectionArticles = "articles"
	CollectionImages   = "images"
	CollectionSites    = "sites"
)

// Operation names the kind of work recorded on a resource.
type Operation string

const (
	OpCrawl  Operation = "crawl"
	OpScrape Operation = "scrape"
)

// CacheControl carries the conditional-request state remembered between
// crawls of the same resource. SHA1 is the content-hash fallback for servers
// that honor neither ETag nor Last-Modified.
type CacheControl struct {
	ETag         string     `json:"etag,omitempty" bson:"etag,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty" bson:"last_modified,omitempty"`
	SHA1         string     `json:"sha1,omitempty" bson:"sha1,omitempty"`
}

// Resource is the wire form of a URL-keyed entity exchanged between the
// controller and the crawlers. Store documents carry additional per-type
// fields; messages only need the subset below.
type Resource struct {
	URL          string       `json:"url" bson:"url"`
	CanonicalURL string       `json:"canonical_url,omitempty" bson:"canonical_url,omitempty"`
	IsRedirect   bool         `json:"is_redirect,omitempty" bson:"is_redirect,omitempty"`
	Lang         string       `json:"lang,omitempty" bson:"lang,omitempty"`
	Type         string       `json:"type,omitempty" bson:"type,omitempty"`
	CacheControl CacheControl `json:"cache_control,omitempty" bson:"cache_control,omitempty"`
	Contents     string       `json:"contents,omitempty" bson:"contents,omitempty"`
}

// Status records the outcome of a single crawl or scrape attempt. A zero
// ErrorType with OK=false is never produced; failures always classify.
type Status struct {
	OK        bool      `json:"ok" bson:"ok"`
	When      time.Time `json:"when" bson:"when"`
	ErrorType string    `json:"error_type,omitempty" bson:"error_type,omitempty"`
	Error     string    `json:"error,omitempty" bson:"error,omitempty"`
}

// OKStatus returns a success status stamped at t.
func OKStatus(t time.Time) Status {
	return Status{OK: true, When: t}
}

// FailStatus classifies err and returns a failure status stamped at t.
func FailStatus(err error, t time.Time) Status {
	return Status{
		OK:        false,
		When:      t,
		ErrorType: ClassifyError(err),
		Error:     err.Error(),
	}
}

// Stats holds the running counters per operation on a resource.
type Stats struct {
	LastSuccess  *time.Time `json:"last_success,omitempty" bson:"last_success,omitempty"`
	LastError    *time.Time `json:"last_error,omitempty" bson:"last_error,omitempty"`
	SuccessCount int64      `json:"success_count" bson:"success_count"`
	ErrorCount   int64      `json:"error_count" bson:"error_count"`
}

// Error types recorded in Status.ErrorType. Downstream tooling keys off these
// strings, so they are part of the resource-update wire contract.
const (
	ErrTypeTimeout    = "Timeout"
	ErrTypeConnection = "ConnectionError"
	ErrTypeHTTPStatus = "HTTPStatusError"
	ErrTypeParse      = "ParseError"
	ErrTypeDecode     = "DecodeError"
	ErrTypeInternal   = "InternalError"
)

// HTTPStatusError is returned by the fetcher for any non-200, non-304
// response status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.StatusCode, e.URL)
}

// ParseError wraps failures to interpret fetched bytes (feed XML, data URLs,
// scrape HTML).
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return "parsing " + e.URL + ": " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// DecodeError wraps failures to decode a response body.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string { return "decoding response from " + e.URL + ": " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ClassifyError maps an error to the Status.ErrorType taxonomy.
func ClassifyError(err error) string {
	var httpErr *HTTPStatusError
	var parseErr *ParseError
	var decodeErr *DecodeError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTypeTimeout
	case errors.As(err, &httpErr):
		return ErrTypeHTTPStatus
	case errors.As(err, &parseErr):
		return ErrTypeParse
	case errors.As(err, &decodeErr):
		return ErrTypeDecode
	case errors.As(err, &netErr):
		return ErrTypeConnection
	default:
		return ErrTypeInternal
	}
}
