package collab

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

// SearchResult is one web or news hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Source  string `json:"source,omitempty"`
	Image   string `json:"thumbnail,omitempty"`
}

// WebSearch scrapes the DuckDuckGo HTML results page
type WebSearch struct {
	searchURL string
	newsURL   string
	fetch     fetcher
}

// NewWebSearch creates a search client
func NewWebSearch(searchURL, newsURL string, timeout time.Duration) *WebSearch {
	if newsURL == "" {
		newsURL = searchURL
	}
	return &WebSearch{
		searchURL: searchURL,
		newsURL:   newsURL,
		fetch:     newFetcher("search", timeout, 1<<20),
	}
}

// Search returns up to max results for query
func (s *WebSearch) Search(ctx context.Context, query string, max int) ([]SearchResult, error) {
	return s.query(ctx, s.searchURL, url.Values{"q": {query}}, max)
}

// News returns up to max recent news results for query
func (s *WebSearch) News(ctx context.Context, query string, max int) ([]SearchResult, error) {
	// df=w limits results to the past week
	return s.query(ctx, s.newsURL, url.Values{"q": {query + " news"}, "df": {"w"}}, max)
}

func (s *WebSearch) query(ctx context.Context, base string, params url.Values, max int) ([]SearchResult, error) {
	if strings.TrimSpace(params.Get("q")) == "" {
		return nil, models.CollaboratorError("search", models.CollabInvalidInput, errEmptyQuery)
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	body, _, err := s.fetch.get(ctx, base+sep+params.Encode())
	if err != nil {
		return nil, err
	}
	results, err := ParseSearchResults(body, max)
	if err != nil {
		return nil, s.fetch.fail(ctx, models.CollabUnavailable, err)
	}
	return results, nil
}

// ParseSearchResults extracts organic results from a DuckDuckGo HTML page
func ParseSearchResults(page []byte, max int) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	results := []SearchResult{}
	seen := make(map[string]bool)
	doc.Find(".result").EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if sel.HasClass("result--ad") {
			return true
		}
		link := sel.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		target := resolveRedirect(href)
		if target == "" || seen[target] {
			return true
		}
		seen[target] = true

		r := SearchResult{
			Title:   strings.TrimSpace(link.Text()),
			URL:     target,
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").Text()),
			Source:  strings.TrimSpace(sel.Find(".result__url").Text()),
		}
		if img, ok := sel.Find("img.result__icon__img").Attr("src"); ok {
			r.Image = absolute(img)
		}
		results = append(results, r)
		return max <= 0 || len(results) < max
	})
	return results, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links
func resolveRedirect(href string) string {
	u, err := url.Parse(absolute(href))
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func absolute(href string) string {
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}
