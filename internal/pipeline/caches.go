package pipeline

import (
	"context"
	"strconv"
	"strings"

	"github.com/oscillatelabsllc/skyth/internal/cache"
	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/config"
)

// Caches are the bounded, expiring caches shared by the research pipelines
// and the discover feed
type Caches struct {
	Articles *cache.Cache[[]collab.SearchResult]
	Content  *cache.Cache[*collab.Page]
	Topics   *cache.Cache[[]collab.SearchResult]
}

// NewCaches sizes the caches from cfg
func NewCaches(cfg config.CacheConfig) *Caches {
	return &Caches{
		Articles: cache.New[[]collab.SearchResult]("articles", cfg.Size, cfg.ArticlesTTL),
		Content:  cache.New[*collab.Page]("content", cfg.Size, cfg.ContentTTL),
		Topics:   cache.New[[]collab.SearchResult]("topics", cfg.Size, cfg.TopicsTTL),
	}
}

func (d *Dispatcher) search(ctx context.Context, query string, max int) ([]collab.SearchResult, error) {
	key := "web:" + strconv.Itoa(max) + ":" + strings.ToLower(strings.TrimSpace(query))
	return d.caches.Articles.GetOrLoad(ctx, key, func(ctx context.Context) ([]collab.SearchResult, error) {
		return d.deps.Search.Search(ctx, query, max)
	})
}

func (d *Dispatcher) scrape(ctx context.Context, pageURL string) (*collab.Page, error) {
	return d.caches.Content.GetOrLoad(ctx, pageURL, func(ctx context.Context) (*collab.Page, error) {
		return d.deps.Scrape.Fetch(ctx, pageURL)
	})
}
