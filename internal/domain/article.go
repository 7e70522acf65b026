package domain

import "time"

// Metrics aggregates per-article interaction counters. They are maintained by
// the web API as users rate, bookmark, and open articles.
type Metrics struct {
	Likes     int64 `json:"likes" bson:"likes"`
	Dislikes  int64 `json:"dislikes" bson:"dislikes"`
	Bookmarks int64 `json:"bookmarks" bson:"bookmarks"`
	Clicks    int64 `json:"clicks" bson:"clicks"`
}

// ArticleMeta is the structured output of scraping an article's HTML. Fields
// with zero values are omitted from the resulting resource update.
type ArticleMeta struct {
	Title       string     `json:"title,omitempty"`
	Authors     []string   `json:"authors,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Text        string     `json:"text,omitempty"`
	PublishDate *time.Time `json:"publish_date,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Site        *SiteMeta  `json:"site,omitempty"`
}

// SiteMeta describes the site an article was published on, as discovered
// during scraping.
type SiteMeta struct {
	URL     string `json:"url" bson:"url"`
	Name    string `json:"name,omitempty" bson:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty" bson:"icon_url,omitempty"`
}

// Interaction is a single user's state with respect to one article. The
// (UserID, ArticleID) pair is unique.
type Interaction struct {
	UserID     string `json:"user_id" bson:"user_id"`
	ArticleID  int64  `json:"article_id" bson:"article_id"`
	Rating     int    `json:"rating,omitempty" bson:"rating,omitempty"`
	Bookmarked bool   `json:"bookmarked,omitempty" bson:"bookmarked,omitempty"`
	Clicked    bool   `json:"clicked,omitempty" bson:"clicked,omitempty"`
}

// Recsystem is a registered external recommendation service. TokenID is a
// rotating nonce bound into issued auth tokens; refreshing it invalidates all
// previously issued tokens.
type Recsystem struct {
	ID         string   `json:"id" bson:"_id,omitempty"`
	Name       string   `json:"name" bson:"name"`
	IsBaseline bool     `json:"is_baseline" bson:"is_baseline"`
	Owners     []string `json:"owners" bson:"owners"`
	TokenID    string   `json:"token_id" bson:"token_id"`
}
