package controller

import (
	"sync"

	"newsriver/internal/observability/metrics"
)

// In-flight action names, keyed as {operation}_{collection}.
const (
	ActionCrawlFeeds     = "crawl_feeds"
	ActionCrawlArticles  = "crawl_articles"
	ActionScrapeArticles = "scrape_articles"
)

// Inflight tracks which resources have been enqueued to the broker and not
// yet reconciled, one set per action. It guarantees at most one outstanding
// message per (action, resource) between the scheduler's publish and the
// reconciler's apply.
//
// The sets are process-local and empty after a restart; downstream work is
// idempotent under URL upserts, so the occasional duplicate enqueue after a
// restart is harmless.
type Inflight struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewInflight returns an empty tracker.
func NewInflight() *Inflight {
	return &Inflight{sets: make(map[string]map[string]struct{})}
}

// Add records id as in flight for action. It returns false if the id was
// already present, in which case the caller must not enqueue it again.
func (f *Inflight) Add(action, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[action]
	if !ok {
		set = make(map[string]struct{})
		f.sets[action] = set
	}
	if _, exists := set[id]; exists {
		return false
	}
	set[id] = struct{}{}
	metrics.InflightResources.WithLabelValues(action).Set(float64(len(set)))
	return true
}

// Remove clears id from action's set. Removing an absent id is a no-op: the
// update may belong to work enqueued before a controller restart.
func (f *Inflight) Remove(action, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[action]
	if !ok {
		return
	}
	delete(set, id)
	metrics.InflightResources.WithLabelValues(action).Set(float64(len(set)))
}

// Len reports the number of outstanding resources for action.
func (f *Inflight) Len(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets[action])
}

// Counts returns a snapshot of all set sizes, for the status RPC.
func (f *Inflight) Counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[string]int, len(f.sets))
	for action, set := range f.sets {
		counts[action] = len(set)
	}
	return counts
}
