// Package scraper extracts structured article metadata from crawled HTML.
// Readability supplies the main text; meta tags supply everything the
// readability pass does not cover (publish date, keywords, site identity,
// favicon).
package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"newsriver/internal/domain"
)

// Meta tags consulted for the article publication date, in priority order.
var publishDateMetas = []string{
	`meta[property="article:published_time"]`,
	`meta[name="article:published_time"]`,
	`meta[name="DC.date.issued"]`,
	`meta[name="date"]`,
	`meta[itemprop="datePublished"]`,
}

// Meta tags consulted for the site name when og:site_name is absent.
var siteNameMetas = []string{
	`meta[name="application-name"]`,
	`meta[name="al:android:app_name"]`,
	`meta[name="al:iphone:app_name"]`,
	`meta[name="al:ipad:app_name"]`,
}

var publishDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Scrape extracts article metadata from the HTML previously fetched for
// pageURL.
func Scrape(pageURL string, contents []byte) (domain.ArticleMeta, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return domain.ArticleMeta{}, &domain.ParseError{URL: pageURL, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(contents))
	if err != nil {
		return domain.ArticleMeta{}, &domain.ParseError{URL: pageURL, Err: err}
	}

	meta := domain.ArticleMeta{
		Title:       extractTitle(doc),
		Authors:     extractAuthors(doc),
		Summary:     metaContent(doc, `meta[property="og:description"]`, `meta[name="description"]`),
		ImageURL:    metaContent(doc, `meta[property="og:image"]`, `meta[name="twitter:image"]`),
		PublishDate: extractPublishDate(doc),
		Keywords:    extractKeywords(doc),
		Site:        extractSiteMeta(doc, base),
	}

	// Readability gives the clean article text and fills gaps the meta tags
	// left open.
	article, err := readability.FromReader(bytes.NewReader(contents), base)
	if err == nil {
		meta.Text = strings.TrimSpace(article.TextContent)
		if meta.Title == "" {
			meta.Title = article.Title
		}
		if meta.Summary == "" {
			meta.Summary = strings.TrimSpace(article.Excerpt)
		}
		if meta.ImageURL == "" {
			meta.ImageURL = article.Image
		}
		if len(meta.Authors) == 0 && article.Byline != "" {
			meta.Authors = []string{strings.TrimSpace(article.Byline)}
		}
		if meta.Site.Name == "" && article.SiteName != "" {
			meta.Site.Name = article.SiteName
		}
		if meta.Site.IconURL == "" && article.Favicon != "" {
			meta.Site.IconURL = resolveIconURL(article.Favicon, base)
		}
	}

	if meta.Title == "" && meta.Text == "" {
		return domain.ArticleMeta{}, &domain.ParseError{
			URL: pageURL,
			Err: fmt.Errorf("no article content found"),
		}
	}
	if meta.Site.Name == "" {
		meta.Site.Name = domainName(base)
	}

	return meta, nil
}

// metaContent returns the content attribute of the first selector that
// matches a meta tag with a non-empty value, trying selectors in order.
func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		content, _ := doc.Find(selector).First().Attr("content")
		if content = strings.TrimSpace(content); content != "" {
			return content
		}
	}
	return ""
}

func extractTitle(doc *goquery.Document) string {
	if title := metaContent(doc, `meta[property="og:title"]`); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func extractAuthors(doc *goquery.Document) []string {
	var authors []string
	seen := make(map[string]bool)

	add := func(value string) {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" || seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			authors = append(authors, name)
		}
	}

	doc.Find(`meta[name="author"], meta[property="article:author"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok && !strings.HasPrefix(content, "http") {
			add(content)
		}
	})
	return authors
}

func extractPublishDate(doc *goquery.Document) *time.Time {
	raw := metaContent(doc, publishDateMetas...)
	if raw == "" {
		// Some sites only stamp the date on a <time> element in the body.
		raw, _ = doc.Find("time[datetime]").First().Attr("datetime")
	}
	if raw == "" {
		return nil
	}

	for _, layout := range publishDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func extractKeywords(doc *goquery.Document) []string {
	var keywords []string
	seen := make(map[string]bool)

	add := func(word string) {
		word = strings.TrimSpace(word)
		if word == "" || seen[strings.ToLower(word)] {
			return
		}
		seen[strings.ToLower(word)] = true
		keywords = append(keywords, word)
	}

	if raw := metaContent(doc, `meta[name="keywords"]`, `meta[name="news_keywords"]`); raw != "" {
		for _, word := range strings.Split(raw, ",") {
			add(word)
		}
	}
	doc.Find(`meta[property="article:tag"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok {
			add(content)
		}
	})
	return keywords
}

func extractSiteMeta(doc *goquery.Document, base *url.URL) *domain.SiteMeta {
	name := metaContent(doc, `meta[property="og:site_name"]`)
	if name == "" {
		name = metaContent(doc, siteNameMetas...)
	}

	var icon string
	doc.Find(`link[rel="icon"], link[rel="shortcut icon"], link[rel="apple-touch-icon"]`).
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if href, ok := s.Attr("href"); ok && href != "" {
				icon = resolveIconURL(href, base)
				return false
			}
			return true
		})

	return &domain.SiteMeta{
		URL:     base.Host,
		Name:    name,
		IconURL: icon,
	}
}

// resolveIconURL makes protocol-relative and site-relative favicon URLs
// absolute against the article's base URL.
func resolveIconURL(icon string, base *url.URL) string {
	switch {
	case strings.HasPrefix(icon, "//"):
		return base.Scheme + ":" + icon
	case strings.HasPrefix(icon, "/"):
		return base.Scheme + "://" + base.Host + icon
	default:
		return icon
	}
}

// domainName falls back to the capitalized registrable domain when no site
// name metadata exists ("www.example.org" becomes "Example").
func domainName(base *url.URL) string {
	host := base.Hostname()
	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	if name == "" {
		return host
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
