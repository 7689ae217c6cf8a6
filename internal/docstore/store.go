// Package docstore is the extraction and transformation stages' document
// store for Article records, built on pkg/repo's generic
// Neo4j-backed repository.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/factually-labs/pipeline/pkg/domain"
	"github.com/factually-labs/pipeline/pkg/repo"
)

var ErrNotFound = errors.New("docstore: article not found")

const urlKey = "url"

// articleRepo is the slice of Neo4jRepo's surface ArticleStore depends on,
// narrowed so tests can supply a fake without a Neo4j driver.
type articleRepo interface {
	Get(ctx context.Context, id string) (domain.Article, error)
	List(ctx context.Context, opts repo.ListOpts) ([]domain.Article, error)
	Update(ctx context.Context, entity domain.Article) (domain.Article, error)
	Upsert(ctx context.Context, uniqueKey string, entities []domain.Article) ([]domain.Article, error)
}

// ArticleStore owns Article persistence, keyed uniquely by URL.
type ArticleStore struct {
	repo articleRepo
}

// NewArticleStore wires a Neo4jRepo for the Article label.
func NewArticleStore(driver neo4j.DriverWithContext) *ArticleStore {
	r := repo.NewNeo4jRepo[domain.Article, string](
		driver,
		"Article",
		articleToMap,
		articleFromRecord,
		repo.WithIDKey[domain.Article, string]("id"),
	)
	return &ArticleStore{repo: r}
}

func articleToMap(a domain.Article) map[string]any {
	return map[string]any{
		"id":             a.ID,
		"url":            a.URL,
		"source":         a.Source,
		"title":          a.Title,
		"content":        a.Content,
		"published_at":   a.PublishedAt.Format(time.RFC3339),
		"summary":        a.Summary,
		"sentiment":      a.Sentiment,
		"classification": a.Classification,
	}
}

func articleFromRecord(rec *neo4j.Record) (domain.Article, error) {
	if len(rec.Values) == 0 {
		return domain.Article{}, fmt.Errorf("docstore: empty record")
	}
	props, ok := rec.Values[0].(map[string]any)
	if !ok {
		return domain.Article{}, fmt.Errorf("docstore: unexpected record shape")
	}

	a := domain.Article{
		ID:             stringProp(props, "id"),
		URL:            stringProp(props, "url"),
		Source:         stringProp(props, "source"),
		Title:          stringProp(props, "title"),
		Content:        stringProp(props, "content"),
		Summary:        stringProp(props, "summary"),
		Sentiment:      stringProp(props, "sentiment"),
		Classification: stringProp(props, "classification"),
	}
	if raw, ok := props["published_at"].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			a.PublishedAt = t
		}
	}
	return a, nil
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// Upsert bulk-upserts articles keyed by URL, per §4.5's "bulk-upserts
// articles into the document store keyed by URL (unique index)".
func (s *ArticleStore) Upsert(ctx context.Context, articles []domain.Article) ([]domain.Article, error) {
	return s.repo.Upsert(ctx, urlKey, articles)
}

// Update persists the transformation stage's summary, sentiment, and
// classification results onto an already-extracted article.
func (s *ArticleStore) Update(ctx context.Context, article domain.Article) (domain.Article, error) {
	return s.repo.Update(ctx, article)
}

func (s *ArticleStore) Get(ctx context.Context, id string) (domain.Article, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Article{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return a, nil
}

func (s *ArticleStore) List(ctx context.Context, opts repo.ListOpts) ([]domain.Article, error) {
	return s.repo.List(ctx, opts)
}
