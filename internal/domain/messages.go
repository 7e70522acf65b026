package domain

// Exchange names. All are direct exchanges except event_stream (fanout).
const (
	ExchangeFeeds       = "feeds"
	ExchangeArticles    = "articles"
	ExchangeImages      = "images"
	ExchangeEventStream = "event_stream"
	ExchangeControlRPC  = "controller_rpc"
)

// Routing keys. By convention the key names a logical method and the body
// carries its named arguments.
const (
	RouteCrawlFeed     = "crawl_feed"
	RouteUpdateFeed    = "update_feed"
	RouteSaveArticle   = "save_article"
	RouteCrawlArticle  = "crawl_article"
	RouteScrapeArticle = "scrape_article"
	RouteUpdateArticle = "update_article"
	RouteCrawlImage    = "crawl_image"
	RouteUpdateImage   = "update_image"
	RouteSendEvent     = "send_event"
)

// CrawlMessage carries a resource to be crawled or scraped.
type CrawlMessage struct {
	Resource Resource `json:"resource"`
}

// SaveArticleMessage announces an article URL discovered in a feed.
type SaveArticleMessage struct {
	Article SaveArticle `json:"article"`
}

// SaveArticle is the minimal article record a feed crawler emits.
type SaveArticle struct {
	URL  string `json:"url"`
	Lang string `json:"lang"`
}

// ResourceRef identifies a resource by URL only.
type ResourceRef struct {
	URL string `json:"url"`
}

// ResourceUpdate reports the outcome of a crawl or scrape back to the
// controller's reconciler. Updates holds the fields to merge into the stored
// document.
type ResourceUpdate struct {
	Resource ResourceRef    `json:"resource"`
	Type     Operation      `json:"type"`
	Status   Status         `json:"status"`
	Updates  map[string]any `json:"updates,omitempty"`
}
