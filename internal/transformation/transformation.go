// Package transformation implements the transformation worker's domain logic
// (spec §4.6): fetch one article's body, chunk it, derive a summary,
// sentiment, and classification via the language model, persist the result
// back onto the article, and reindex its chunks into the vector store.
package transformation

import (
	"context"
	"fmt"

	"github.com/factually-labs/pipeline/internal/llmclient"
	"github.com/factually-labs/pipeline/internal/vectorindex"
	"github.com/factually-labs/pipeline/pkg/domain"
	"github.com/factually-labs/pipeline/pkg/fn"
)

// ArticleGetter is the document store read surface transformation depends on.
type ArticleGetter interface {
	Get(ctx context.Context, id string) (domain.Article, error)
}

// ArticleUpdater is the document store write surface transformation depends
// on, distinct from extraction's bulk ArticleUpserter since a single article
// is updated in place here rather than upserted by URL.
type ArticleUpdater interface {
	Update(ctx context.Context, article domain.Article) (domain.Article, error)
}

// Embedder is the subset of llmclient.Client transformation needs to turn
// chunk text into vectors for reindexing.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator is the subset of llmclient.Client transformation needs for the
// summary/sentiment/classification calls.
type Generator interface {
	Generate(ctx context.Context, task llmclient.Task, prompt string) (string, error)
}

// VectorIndexer is the vector store surface transformation depends on.
type VectorIndexer interface {
	DeleteByArticleID(ctx context.Context, articleID string) error
	Upsert(ctx context.Context, records []vectorindex.Record) error
}

// Service wires article retrieval, chunking, LLM calls, and reindexing into
// one Execute function consumable by internal/worker.Worker.
type Service struct {
	Articles  ArticleGetter
	Updates   ArticleUpdater
	LM        Generator
	Embedder  Embedder
	Vectors   VectorIndexer
	ChunkSize int
	Overlap   int
}

// NewService builds a Service with the default chunk size and overlap.
func NewService(articles ArticleGetter, updates ArticleUpdater, lm *llmclient.Client, vectors VectorIndexer) *Service {
	return &Service{
		Articles:  articles,
		Updates:   updates,
		LM:        lm,
		Embedder:  lm,
		Vectors:   vectors,
		ChunkSize: DefaultChunkTokens,
		Overlap:   DefaultChunkOverlap,
	}
}

type requestPayload struct {
	ArticleID string
}

func parseRequest(payload map[string]any) (requestPayload, error) {
	var req requestPayload
	req.ArticleID, _ = payload["article_id"].(string)
	if req.ArticleID == "" {
		// PER_ITEM fan-out tasks carry the id under the stage's items key.
		req.ArticleID, _ = payload["article_ids"].(string)
	}
	if req.ArticleID == "" {
		return req, fmt.Errorf("article_id is required")
	}
	return req, nil
}

// Execute is the worker Execute function for the transformation stage.
func (s *Service) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	req, err := parseRequest(payload)
	if err != nil {
		return nil, domain.NewPipelineError("transformation", domain.KindBadInput, err)
	}

	article, err := s.Articles.Get(ctx, req.ArticleID)
	if err != nil {
		return nil, domain.NewPipelineError("transformation", domain.KindTransientUpstream, fmt.Errorf("fetch article: %w", err))
	}
	if article.Content == "" {
		return nil, domain.NewPipelineError("transformation", domain.KindBadInput, fmt.Errorf("article %s has no content", req.ArticleID))
	}

	chunkSize, overlap := s.ChunkSize, s.Overlap
	if chunkSize <= 0 {
		chunkSize = DefaultChunkTokens
	}
	if overlap <= 0 {
		overlap = DefaultChunkOverlap
	}
	chunks := chunkArticle(article.ID, article.Content, chunkSize, overlap)

	type annotations struct {
		summary, sentiment, classification string
		err                                error
	}
	results := fn.FanOut(
		func() annotations {
			text, err := s.LM.Generate(ctx, llmclient.TaskSummarize, article.Content)
			return annotations{summary: text, err: err}
		},
		func() annotations {
			text, err := s.LM.Generate(ctx, llmclient.TaskSentiment, article.Content)
			return annotations{sentiment: text, err: err}
		},
		func() annotations {
			text, err := s.LM.Generate(ctx, llmclient.TaskClassify, article.Content)
			return annotations{classification: text, err: err}
		},
	)
	for _, r := range results {
		if r.err != nil {
			return nil, domain.NewPipelineError("transformation", domain.KindTransientUpstream, fmt.Errorf("language model call: %w", r.err))
		}
	}
	article.Summary = results[0].summary
	article.Sentiment = results[1].sentiment
	article.Classification = results[2].classification

	updated, err := s.Updates.Update(ctx, article)
	if err != nil {
		return nil, domain.NewPipelineError("transformation", domain.KindTransientUpstream, fmt.Errorf("update article: %w", err))
	}

	if err := s.reindex(ctx, updated, chunks); err != nil {
		return nil, err
	}

	return map[string]any{
		"article_id":     updated.ID,
		"summary":        updated.Summary,
		"sentiment":      updated.Sentiment,
		"classification": updated.Classification,
	}, nil
}

func (s *Service) reindex(ctx context.Context, article domain.Article, chunks []Chunk) error {
	if err := s.Vectors.DeleteByArticleID(ctx, article.ID); err != nil {
		return domain.NewPipelineError("transformation", domain.KindTransientUpstream, fmt.Errorf("delete stale vectors: %w", err))
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := s.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return domain.NewPipelineError("transformation", domain.KindTransientUpstream, fmt.Errorf("embed chunks: %w", err))
	}

	records := make([]vectorindex.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorindex.Record{
			ID:        fmt.Sprintf("%s-%d", article.ID, c.Index),
			Embedding: embeddings[i],
			Payload: map[string]any{
				"article_id":  article.ID,
				"content":     c.Text,
				"source":      article.Source,
				"chunk_index": c.Index,
			},
		}
	}
	if err := s.Vectors.Upsert(ctx, records); err != nil {
		return domain.NewPipelineError("transformation", domain.KindTransientUpstream, fmt.Errorf("upsert vectors: %w", err))
	}
	return nil
}
