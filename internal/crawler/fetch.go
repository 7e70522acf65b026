// Package crawler fetches URL resources and turns them into pipeline
// updates. The fetcher implements conditional retrieval (ETag,
// Last-Modified, content-hash fallback) so unchanged resources cost one
// round trip and no parse.
package crawler

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"newsriver/internal/config"
	"newsriver/internal/domain"
	"newsriver/internal/resilience/circuitbreaker"
)

// Fetcher retrieves resources over HTTP. Arbitrary remote hosts are
// involved, so outbound calls go through a circuit breaker and a per-host
// rate limiter.
type Fetcher struct {
	client  *http.Client
	cfg     config.CrawlerConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher builds a fetcher from the crawler configuration.
func NewFetcher(cfg config.CrawlerConfig, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.RetrieveTimeout,
		},
		cfg:      cfg,
		breaker:  circuitbreaker.New(circuitbreaker.FetchConfig()),
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves the resource's bytes. When onlyIfModified is set and the
// remote (or its content hash) reports no change, the returned contents are
// nil and the resource is otherwise untouched apart from refreshed cache
// metadata.
//
// The returned resource carries updated cache_control and, when contents
// were fetched, the canonical URL derived from the final response URL.
func (f *Fetcher) Fetch(ctx context.Context, res domain.Resource, onlyIfModified bool) (domain.Resource, []byte, http.Header, error) {
	if strings.HasPrefix(res.URL, "data:") {
		return f.fetchDataURL(res)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return res, nil, nil, &domain.DecodeError{URL: res.URL, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if onlyIfModified {
		if res.CacheControl.ETag != "" {
			req.Header.Set("If-None-Match", res.CacheControl.ETag)
		}
		if res.CacheControl.LastModified != nil {
			req.Header.Set("If-Modified-Since",
				res.CacheControl.LastModified.UTC().Format(http.TimeFormat))
		}
	}

	if err := f.waitHost(ctx, req.URL.Hostname()); err != nil {
		return res, nil, nil, err
	}

	result, err := f.breaker.Execute(func() (any, error) {
		return f.client.Do(req)
	})
	if err != nil {
		return res, nil, nil, err
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	if onlyIfModified && resp.StatusCode == http.StatusNotModified {
		return res, nil, resp.Header, nil
	}
	if resp.StatusCode != http.StatusOK {
		return res, nil, resp.Header, &domain.HTTPStatusError{
			URL:        res.URL,
			StatusCode: resp.StatusCode,
		}
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		res.CacheControl.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			res.CacheControl.LastModified = &t
		}
	}

	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, nil, resp.Header, &domain.DecodeError{URL: res.URL, Err: err}
	}

	sum := sha1.Sum(contents)
	sha := hex.EncodeToString(sum[:])
	if onlyIfModified && res.CacheControl.SHA1 == sha {
		// HTTP cache validators failed us, but the content hash says the
		// resource has not changed.
		return res, nil, resp.Header, nil
	}
	res.CacheControl.SHA1 = sha

	// resp.Request reflects the final request after redirects.
	res.CanonicalURL = f.CanonicalURL(resp.Request.URL)

	return res, contents, resp.Header, nil
}

func (f *Fetcher) fetchDataURL(res domain.Resource) (domain.Resource, []byte, http.Header, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(res.URL, "data:"), ",")
	if !ok {
		return res, nil, nil, &domain.DecodeError{
			URL: res.URL,
			Err: fmt.Errorf("missing data separator"),
		}
	}

	contentType, encoding, hasParam := strings.Cut(meta, ";")
	if !hasParam || encoding != "base64" {
		return res, nil, nil, &domain.DecodeError{
			URL: res.URL,
			Err: fmt.Errorf("a base64 content-type parameter was expected"),
		}
	}

	contents, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return res, nil, nil, &domain.DecodeError{URL: res.URL, Err: err}
	}

	sum := sha1.Sum(contents)
	res.CacheControl.SHA1 = hex.EncodeToString(sum[:])

	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	return res, contents, headers, nil
}

// CanonicalURL derives the canonical form of a final response URL by
// stripping query parameters whose names match any configured exclude glob
// (tracking parameters, typically utm_*). Parameter order is preserved.
func (f *Fetcher) CanonicalURL(u *url.URL) string {
	if u.RawQuery == "" {
		return u.String()
	}

	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		decoded, err := url.QueryUnescape(name)
		if err != nil {
			decoded = name
		}
		if !f.excluded(decoded) {
			kept = append(kept, pair)
		}
	}

	canon := *u
	canon.RawQuery = strings.Join(kept, "&")
	return canon.String()
}

func (f *Fetcher) excluded(name string) bool {
	for _, pattern := range f.cfg.QueryExclude {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// waitHost enforces the per-host request rate.
func (f *Fetcher) waitHost(ctx context.Context, host string) error {
	if f.cfg.PerHostRate <= 0 {
		return nil
	}

	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.cfg.PerHostRate), 1)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()

	return limiter.Wait(ctx)
}

// touchedCacheFields reports the subset of resource fields the fetch step may
// have changed, for inclusion in an update even when the crawl itself failed.
func touchedCacheFields(res domain.Resource) map[string]any {
	updates := make(map[string]any)
	if res.CanonicalURL != "" {
		updates["canonical_url"] = res.CanonicalURL
	}
	if res.CacheControl != (domain.CacheControl{}) {
		updates["cache_control"] = res.CacheControl
	}
	return updates
}
