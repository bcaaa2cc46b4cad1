package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dsac-scz/citizen-console/internal/cache"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

const maxSearchResults = 3

// KnowledgeBase serves help articles from a TTL cache. Every write made
// through it invalidates the cache before returning, and Run invalidates it
// on writes made by other processes.
type KnowledgeBase struct {
	docs   store.Documents
	now    Clock
	cache  *cache.TTL[[]model.KnowledgeArticle]
	loads  singleflight.Group
	logger *logger.Logger
}

// NewKnowledgeBase creates a knowledge base with the given cache TTL.
func NewKnowledgeBase(docs store.Documents, ttl time.Duration, now Clock, log *logger.Logger) *KnowledgeBase {
	if now == nil {
		now = utcNow
	}
	return &KnowledgeBase{
		docs:   docs,
		now:    now,
		cache:  cache.NewTTL[[]model.KnowledgeArticle](ttl, cache.Clock(now)),
		logger: log,
	}
}

// Articles returns all articles, most recently updated first.
func (kb *KnowledgeBase) Articles(ctx context.Context) ([]model.KnowledgeArticle, error) {
	if articles, ok := kb.cache.Get(); ok {
		return articles, nil
	}
	v, err, _ := kb.loads.Do("articles", func() (any, error) {
		gen := kb.cache.Generation()
		articles, err := store.ListJSON[model.KnowledgeArticle](ctx, kb.docs, store.BucketArticles)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(articles, func(i, j int) bool {
			return articles[i].UpdatedAt.After(articles[j].UpdatedAt)
		})
		kb.cache.SetIf(gen, articles)
		return articles, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load articles: %w", err)
	}
	return v.([]model.KnowledgeArticle), nil
}

// Search returns up to three articles whose title contains the whole query,
// or whose title, content or tags contain any query word longer than three
// characters.
func (kb *KnowledgeBase) Search(ctx context.Context, query string) ([]model.KnowledgeArticle, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []model.KnowledgeArticle{}, nil
	}
	articles, err := kb.Articles(ctx)
	if err != nil {
		return nil, err
	}
	var keywords []string
	for _, w := range strings.Fields(query) {
		if len([]rune(w)) > 3 {
			keywords = append(keywords, w)
		}
	}

	out := make([]model.KnowledgeArticle, 0, maxSearchResults)
	for _, a := range articles {
		if matchArticle(&a, query, keywords) {
			out = append(out, a)
			if len(out) == maxSearchResults {
				break
			}
		}
	}
	return out, nil
}

func matchArticle(a *model.KnowledgeArticle, query string, keywords []string) bool {
	title := strings.ToLower(a.Title)
	if strings.Contains(title, query) {
		return true
	}
	content := strings.ToLower(a.Content)
	for _, k := range keywords {
		if strings.Contains(title, k) || strings.Contains(content, k) {
			return true
		}
		for _, t := range a.Tags {
			if strings.Contains(strings.ToLower(t), k) {
				return true
			}
		}
	}
	return false
}

// Put creates or replaces an article.
func (kb *KnowledgeBase) Put(ctx context.Context, a *model.KnowledgeArticle) (*model.KnowledgeArticle, error) {
	if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.Content) == "" {
		return nil, fmt.Errorf("%w: title and content are required", ErrValidation)
	}
	out := *a
	if out.ID == "" {
		out.ID = newID()
	}
	out.UpdatedAt = kb.now()
	defer kb.cache.Invalidate()
	if _, err := store.PutJSON(ctx, kb.docs, store.BucketArticles, out.ID, out); err != nil {
		return nil, fmt.Errorf("failed to save article: %w", err)
	}
	return &out, nil
}

// Delete removes an article.
func (kb *KnowledgeBase) Delete(ctx context.Context, id string) error {
	defer kb.cache.Invalidate()
	if err := kb.docs.Delete(ctx, store.BucketArticles, id, 0); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("article %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete article: %w", err)
	}
	return nil
}

// Run invalidates the cache whenever the article bucket changes. It blocks
// until ctx is cancelled.
func (kb *KnowledgeBase) Run(ctx context.Context) error {
	w, err := kb.docs.Watch(ctx, store.BucketArticles)
	if err != nil {
		return fmt.Errorf("failed to watch articles: %w", err)
	}
	defer w.Stop()

	synced := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-w.Changes():
			if !ok {
				return nil
			}
			if c.Op == store.OpSynced {
				synced = true
				continue
			}
			if synced {
				kb.logger.Debug("knowledge base changed, cache invalidated", zap.String("key", c.Entry.Key))
				kb.cache.Invalidate()
			}
		}
	}
}
