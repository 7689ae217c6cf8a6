// Package extraction implements the extraction worker's domain logic (spec
// §4.5): resolve each requested source's traversal strategy, walk the date
// range collecting article references, fetch full content, and bulk-upsert
// the result into the document store.
package extraction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/factually-labs/pipeline/pkg/domain"
)

// ArticleUpserter is the document store surface extraction depends on.
type ArticleUpserter interface {
	Upsert(ctx context.Context, articles []domain.Article) ([]domain.Article, error)
}

// Service wires source config resolution, traversal, and fetching into one
// Execute function consumable by internal/worker.Worker.
type Service struct {
	Sources    SourceConfigLookup
	NewFetcher func(policy string) (Fetcher, error)
	Fallback   interface {
		FetchContent(context.Context, ItemRef) (string, error)
	}
	Store      ArticleUpserter
}

// NewService builds a Service backed by the built-in source catalog, an
// HTML-parsing HTTP fetcher per traversal policy, and the stub browser
// fallback.
func NewService(store ArticleUpserter, parseIndex func([]byte, string) []ItemRef, parseLoad func([]byte, string) ([]ItemRef, string)) *Service {
	return &Service{
		Sources: StaticSourceConfigs{},
		NewFetcher: func(policy string) (Fetcher, error) {
			return newHTTPFetcher(10*time.Second, parseIndex, parseLoad), nil
		},
		Fallback: stubBrowserFetcher{},
		Store:    store,
	}
}

type requestPayload struct {
	Sources    []string `json:"sources"`
	DateBase   string   `json:"date_base"`
	DateCutoff string   `json:"date_cutoff"`
}

// Execute is the worker Execute function for the extraction stage.
func (s *Service) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	req, err := parseRequest(payload)
	if err != nil {
		return nil, domain.NewPipelineError("extraction", domain.KindBadInput, err)
	}
	if err := domain.ValidateSources(req.Sources); err != nil {
		return nil, domain.NewPipelineError("extraction", domain.KindBadInput, err)
	}

	dateBase, err := time.Parse("2006-01-02", req.DateBase)
	if err != nil {
		return nil, domain.NewPipelineError("extraction", domain.KindBadInput, fmt.Errorf("date_base: %w", err))
	}
	dateCutoff, err := time.Parse("2006-01-02", req.DateCutoff)
	if err != nil {
		return nil, domain.NewPipelineError("extraction", domain.KindBadInput, fmt.Errorf("date_cutoff: %w", err))
	}
	dateBase, dateCutoff, err = domain.NormalizeDateRange(dateBase, dateCutoff)
	if err != nil {
		return nil, domain.NewPipelineError("extraction", domain.KindBadInput, err)
	}

	var allArticles []domain.Article
	for _, source := range req.Sources {
		cfg, err := s.Sources.Get(source)
		if err != nil {
			return nil, domain.NewPipelineError("extraction", domain.KindBadInput, err)
		}
		fetcher, err := s.NewFetcher(cfg.TraversalPolicy)
		if err != nil {
			return nil, domain.NewPipelineError("extraction", domain.KindBadInput, err)
		}
		strat, err := StrategyFor(cfg.TraversalPolicy, fetcher)
		if err != nil {
			return nil, domain.NewPipelineError("extraction", domain.KindBadInput, err)
		}

		var refs []ItemRef
		for d := dateBase; !d.Before(dateCutoff); d = d.AddDate(0, 0, -1) {
			items, err := WalkDay(ctx, strat, SourceParams{Source: source, URLTemplate: cfg.URLTemplate, Date: d})
			if err != nil {
				return nil, domain.NewPipelineError("extraction", domain.KindTransientUpstream, err)
			}
			refs = append(refs, items...)
		}

		articles, err := s.fetchArticles(ctx, fetcher, refs)
		if err != nil {
			return nil, err
		}
		if len(articles) == 0 {
			continue
		}
		upserted, err := s.Store.Upsert(ctx, articles)
		if err != nil {
			return nil, domain.NewPipelineError("extraction", domain.KindTransientUpstream, fmt.Errorf("upsert articles: %w", err))
		}
		allArticles = append(allArticles, upserted...)
	}

	ids := make([]string, len(allArticles))
	for i, a := range allArticles {
		ids[i] = a.ID
	}
	return map[string]any{
		"article_ids":   ids,
		"article_count": len(ids),
	}, nil
}

func (s *Service) fetchArticles(ctx context.Context, fetcher Fetcher, refs []ItemRef) ([]domain.Article, error) {
	articles := make([]domain.Article, 0, len(refs))
	for _, ref := range refs {
		content, err := fetchContentWithFallback(ctx, fetcher, s.Fallback, ref)
		if err != nil {
			return nil, domain.NewPipelineError("extraction", domain.KindTransientUpstream, err)
		}
		articles = append(articles, domain.Article{
			ID:          uuid.NewString(),
			Source:      ref.Source,
			URL:         ref.URL,
			Content:     content,
			PublishedAt: time.Now().UTC(),
		})
	}
	return articles, nil
}

func parseRequest(payload map[string]any) (requestPayload, error) {
	var req requestPayload
	rawSources, ok := payload["sources"].([]any)
	if !ok {
		return req, fmt.Errorf("missing sources")
	}
	for _, v := range rawSources {
		s, ok := v.(string)
		if !ok {
			return req, fmt.Errorf("source must be a string")
		}
		req.Sources = append(req.Sources, s)
	}
	req.DateBase, _ = payload["date_base"].(string)
	req.DateCutoff, _ = payload["date_cutoff"].(string)
	if req.DateBase == "" || req.DateCutoff == "" {
		return req, fmt.Errorf("date_base and date_cutoff are required")
	}
	return req, nil
}
