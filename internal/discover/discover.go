// Package discover serves the news feed: category article lists, full
// article content, trending topics and per-user interest scores.
package discover

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/pipeline"
)

// ForYou is the personalised category
const ForYou = "For You"

// Categories lists the feed categories in display order
var Categories = []string{
	ForYou, "Sports", "Entertainment", "Technology", "Top",
	"Around the World", "Science", "Business",
}

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrEmptyURL        = errors.New("url is required")
)

const (
	categoryResults = 20
	forYouResults   = 10
	topicResults    = 10
	forYouTop       = 3
)

var defaultInterests = []string{"Top", "Technology"}

// NewsSearcher runs news searches
type NewsSearcher interface {
	News(ctx context.Context, query string, max int) ([]collab.SearchResult, error)
}

// PageFetcher downloads an article
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (*collab.Page, error)
}

// Article is one feed entry
type Article struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Source    string `json:"source,omitempty"`
	Category  string `json:"category"`
}

// Topic is a trending headline
type Topic struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Service builds the feed on top of the dispatcher's caches
type Service struct {
	news   NewsSearcher
	pages  PageFetcher
	caches *pipeline.Caches
	log    zerolog.Logger

	mu         sync.Mutex
	scores     map[int64]map[string]int
	lastTopics []Topic
}

// NewService creates a feed service
func NewService(news NewsSearcher, pages PageFetcher, caches *pipeline.Caches, log zerolog.Logger) *Service {
	return &Service{
		news:   news,
		pages:  pages,
		caches: caches,
		log:    log.With().Str("component", "discover").Logger(),
		scores: make(map[int64]map[string]int),
	}
}

// ValidCategory reports whether name is a feed category
func ValidCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

func categoryQuery(category string) string {
	switch category {
	case "Top":
		return "top world news"
	case "Around the World":
		return "international news"
	}
	return "latest " + strings.ToLower(category) + " news"
}

// forYouQuery differs from categoryQuery only for Top
func forYouQuery(category string) string {
	if category == "Top" {
		return "latest world headlines"
	}
	return "latest " + strings.ToLower(category) + " news"
}

// Articles returns the feed for category. For You merges the user's top
// categories. refresh bypasses the cache.
func (s *Service) Articles(ctx context.Context, userID int64, category string, refresh bool) ([]Article, error) {
	if !ValidCategory(category) {
		return nil, ErrUnknownCategory
	}
	if category != ForYou {
		return s.load(ctx, category, categoryQuery(category), categoryResults, refresh)
	}

	interests := s.Interests(userID)
	lists := make([][]Article, 0, len(interests))
	var firstErr error
	for _, c := range interests {
		list, err := s.load(ctx, c, forYouQuery(c), forYouResults, refresh)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn().Err(err).Str("category", c).Msg("failed to load category for feed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		lists = append(lists, list)
	}
	if len(lists) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return interleave(lists), nil
}

func (s *Service) load(ctx context.Context, category, query string, max int, refresh bool) ([]Article, error) {
	key := "news:" + query
	if refresh {
		s.caches.Articles.Delete(key)
	}
	results, err := s.caches.Articles.GetOrLoad(ctx, key, func(ctx context.Context) ([]collab.SearchResult, error) {
		return s.news.News(ctx, query, max)
	})
	if err != nil {
		return nil, err
	}

	articles := make([]Article, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		articles = append(articles, Article{
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Snippet,
			Thumbnail: r.Image,
			Source:    r.Source,
			Category:  category,
		})
	}
	return articles, nil
}

// interleave merges lists round-robin, dropping repeated URLs
func interleave(lists [][]Article) []Article {
	seen := make(map[string]bool)
	out := []Article{}
	for i := 0; ; i++ {
		more := false
		for _, l := range lists {
			if i >= len(l) {
				continue
			}
			more = true
			if !seen[l[i].URL] {
				seen[l[i].URL] = true
				out = append(out, l[i])
			}
		}
		if !more {
			return out
		}
	}
}

// Article returns the readable content of pageURL
func (s *Service) Article(ctx context.Context, pageURL string) (*collab.Page, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return nil, ErrEmptyURL
	}
	return s.caches.Content.GetOrLoad(ctx, pageURL, func(ctx context.Context) (*collab.Page, error) {
		return s.pages.Fetch(ctx, pageURL)
	})
}

// Topics returns trending headlines. When the search fails the last good
// list is served.
func (s *Service) Topics(ctx context.Context, refresh bool) ([]Topic, error) {
	const key = "trending"
	if refresh {
		s.caches.Topics.Delete(key)
	}
	results, err := s.caches.Topics.GetOrLoad(ctx, key, func(ctx context.Context) ([]collab.SearchResult, error) {
		return s.news.News(ctx, "top world news", topicResults)
	})
	if err != nil {
		s.mu.Lock()
		last := s.lastTopics
		s.mu.Unlock()
		if last != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("serving stale topics")
			return last, nil
		}
		return nil, err
	}

	topics := make([]Topic, 0, len(results))
	for _, r := range results {
		if r.Title != "" && r.URL != "" {
			topics = append(topics, Topic{Title: r.Title, URL: r.URL})
		}
	}
	if len(topics) > 0 {
		s.mu.Lock()
		s.lastTopics = topics
		s.mu.Unlock()
	}
	return topics, nil
}

// RecordInteraction counts a read in category towards the user's interests.
// For You itself is not scored.
func (s *Service) RecordInteraction(userID int64, category string) error {
	if !ValidCategory(category) {
		return ErrUnknownCategory
	}
	if category == ForYou {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scores[userID] == nil {
		s.scores[userID] = make(map[string]int)
	}
	s.scores[userID][category]++
	return nil
}

// Interests returns the user's highest-scored categories, or the defaults
// when nothing has been recorded
func (s *Service) Interests(userID int64) []string {
	s.mu.Lock()
	scores := s.scores[userID]
	names := make([]string, 0, len(scores))
	for c := range scores {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool {
		if scores[names[i]] != scores[names[j]] {
			return scores[names[i]] > scores[names[j]]
		}
		return names[i] < names[j]
	})
	s.mu.Unlock()

	if len(names) == 0 {
		return append([]string(nil), defaultInterests...)
	}
	if len(names) > forYouTop {
		names = names[:forYouTop]
	}
	return names
}
