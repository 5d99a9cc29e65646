package collab

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

var (
	errEmptyQuery = errors.New("query is empty")
	errNoContent  = errors.New("no readable content")
)

// Page is a scraped article
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Markdown string `json:"text"`
	Image    string `json:"image,omitempty"`
}

// minArticleText is the length a generic selector match must reach to be
// taken as the article body
const minArticleText = 200

// site-specific body selectors, tried before the generic ones
var siteSelectors = map[string]string{
	"www.bbc.com":     `main#main-content div[data-component="text-block"]`,
	"www.bbc.co.uk":   `main#main-content div[data-component="text-block"]`,
	"techcrunch.com":  `div.article-content`,
	"www.reuters.com": `div[data-testid="ArticleBody"]`,
}

var genericSelectors = []string{
	"article", "main", ".post-content", ".entry-content", ".article-body", "#content", ".content",
}

// Scraper downloads pages and converts their main content to Markdown
type Scraper struct {
	fetch fetcher
}

// NewScraper creates a scraper with a per-page timeout and body cap
func NewScraper(timeout time.Duration, maxBytes int64) *Scraper {
	return &Scraper{fetch: newFetcher("scraper", timeout, maxBytes)}
}

// Fetch downloads pageURL and extracts its article
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, models.CollaboratorError("scraper", models.CollabInvalidInput, errors.New("url must be http or https"))
	}

	body, _, err := s.fetch.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	page, err := ExtractArticle(body, u)
	if err != nil {
		return nil, s.fetch.fail(ctx, models.CollabInvalidInput, err)
	}
	return page, nil
}

// ExtractArticle selects the main content of an HTML page
func ExtractArticle(html []byte, u *url.URL) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, nav, footer, header, aside, form, iframe, svg").Remove()

	page := &Page{
		URL:   u.String(),
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if page.Title == "" {
		page.Title = "No Title"
	}
	if img, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		page.Image = img
	}

	content := selectContent(doc, u.Host)
	if content == nil {
		return nil, errNoContent
	}

	var buf strings.Builder
	content.Each(func(i int, sel *goquery.Selection) {
		if h, err := goquery.OuterHtml(sel); err == nil {
			buf.WriteString(h)
			buf.WriteString("\n")
		}
	})

	md, err := HTMLToMarkdown(buf.String())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(md) == "" {
		return nil, errNoContent
	}
	page.Markdown = md
	return page, nil
}

func selectContent(doc *goquery.Document, host string) *goquery.Selection {
	if sel, ok := siteSelectors[host]; ok {
		if found := doc.Find(sel); found.Length() > 0 && strings.TrimSpace(found.Text()) != "" {
			return found
		}
	}
	for _, sel := range genericSelectors {
		found := doc.Find(sel).First()
		if found.Length() > 0 && len(strings.TrimSpace(found.Text())) > minArticleText {
			return found
		}
	}
	if body := doc.Find("body"); strings.TrimSpace(body.Text()) != "" {
		return body
	}
	return nil
}

// HTMLToMarkdown converts an HTML fragment or document to Markdown
func HTMLToMarkdown(html string) (string, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}
