package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflight_AddIsExclusive(t *testing.T) {
	inflight := NewInflight()

	assert.True(t, inflight.Add(ActionCrawlFeeds, "a"))
	assert.False(t, inflight.Add(ActionCrawlFeeds, "a"))
	assert.True(t, inflight.Add(ActionCrawlArticles, "a"),
		"actions track independent sets")
	assert.Equal(t, 1, inflight.Len(ActionCrawlFeeds))
}

func TestInflight_RemoveAbsentIsNoop(t *testing.T) {
	inflight := NewInflight()

	inflight.Remove(ActionCrawlFeeds, "ghost")
	assert.Equal(t, 0, inflight.Len(ActionCrawlFeeds))

	inflight.Add(ActionCrawlFeeds, "a")
	inflight.Remove(ActionCrawlFeeds, "a")
	assert.True(t, inflight.Add(ActionCrawlFeeds, "a"), "removal frees the slot")
}

func TestInflight_Counts(t *testing.T) {
	inflight := NewInflight()
	inflight.Add(ActionCrawlFeeds, "a")
	inflight.Add(ActionScrapeArticles, "b")
	inflight.Add(ActionScrapeArticles, "c")

	assert.Equal(t, map[string]int{
		ActionCrawlFeeds:     1,
		ActionScrapeArticles: 2,
	}, inflight.Counts())
}
