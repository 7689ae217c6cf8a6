// Package verification implements the verification worker's domain logic
// (spec §4.7): hybrid-search the vector index for context, ask the language
// model for a structured verdict, and fall back to a web-search collaborator
// when the model can't decide from the corpus alone.
package verification

import (
	"context"
	"fmt"
	"strings"

	"github.com/factually-labs/pipeline/internal/llmclient"
	"github.com/factually-labs/pipeline/internal/vectorindex"
	"github.com/factually-labs/pipeline/pkg/domain"
)

// Embedder turns the claim text into a query vector for hybrid search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the vector index surface verification depends on.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]vectorindex.Hit, error)
}

// VerdictGenerator is the language model surface verification depends on,
// asked for structured {verdict, evidence} output.
type VerdictGenerator interface {
	GenerateJSON(ctx context.Context, task llmclient.Task, prompt string, out any) error
}

// WebSearcher is the out-of-scope web-search collaborator consulted only
// when the corpus-only verdict comes back UNDETERMINED and the caller opted
// into web_search. It takes the claim alone, with no task argument, and
// returns prose context to fold into a second verdict attempt rather than a
// verdict directly.
type WebSearcher interface {
	Search(ctx context.Context, claim string) (string, error)
}

type verdictResponse struct {
	Verdict  string   `json:"verdict"`
	Evidence []string `json:"evidence"`
}

// Service wires embedding, hybrid search, and verdict generation into one
// Execute function consumable by internal/worker.Worker.
type Service struct {
	Embedder Embedder
	Search   Searcher
	LM       VerdictGenerator
	Web      WebSearcher
	TopK     int
}

// DefaultTopK is the number of hybrid-search snippets folded into the
// verdict prompt when a caller doesn't override it.
const DefaultTopK = 5

// NewService builds a Service backed by the default top-K.
func NewService(embedder Embedder, search Searcher, lm VerdictGenerator, web WebSearcher) *Service {
	return &Service{Embedder: embedder, Search: search, LM: lm, Web: web, TopK: DefaultTopK}
}

type requestPayload struct {
	Claim     string
	WebSearch bool
}

func parseRequest(payload map[string]any) (requestPayload, error) {
	var req requestPayload
	req.Claim, _ = payload["claim"].(string)
	if strings.TrimSpace(req.Claim) == "" {
		return req, fmt.Errorf("claim is required")
	}
	req.WebSearch, _ = payload["web_search"].(bool)
	return req, nil
}

// Execute is the worker Execute function for the verification stage.
func (s *Service) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	req, err := parseRequest(payload)
	if err != nil {
		return nil, domain.NewPipelineError("verification", domain.KindBadInput, err)
	}

	topK := s.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	embedding, err := s.Embedder.Embed(ctx, req.Claim)
	if err != nil {
		return nil, domain.NewPipelineError("verification", domain.KindTransientUpstream, fmt.Errorf("embed claim: %w", err))
	}
	hits, err := s.Search.Search(ctx, embedding, topK)
	if err != nil {
		return nil, domain.NewPipelineError("verification", domain.KindTransientUpstream, fmt.Errorf("hybrid search: %w", err))
	}

	verdict, err := s.askForVerdict(ctx, req.Claim, buildContextParts(hits, ""))
	if err != nil {
		return nil, err
	}

	webSearchPerformed := false
	if domain.Verdict(verdict.Verdict) == domain.VerdictUndetermined && req.WebSearch {
		webSearchPerformed = true
		webContext, err := s.Web.Search(ctx, req.Claim)
		if err != nil {
			return nil, domain.NewPipelineError("verification", domain.KindTransientUpstream, fmt.Errorf("web search: %w", err))
		}
		verdict, err = s.askForVerdict(ctx, req.Claim, buildContextParts(hits, webContext))
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"claim":                req.Claim,
		"verdict":              verdict.Verdict,
		"evidence":             verdict.Evidence,
		"web_search_performed": webSearchPerformed,
	}, nil
}

func (s *Service) askForVerdict(ctx context.Context, claim string, contextParts []string) (verdictResponse, error) {
	prompt := buildVerdictPrompt(claim, contextParts)
	var resp verdictResponse
	if err := s.LM.GenerateJSON(ctx, llmclient.TaskVerify, prompt, &resp); err != nil {
		return verdictResponse{}, domain.NewPipelineError("verification", domain.KindTransientUpstream, fmt.Errorf("verdict generation: %w", err))
	}
	if resp.Verdict == "" {
		resp.Verdict = string(domain.VerdictUndetermined)
	}
	return resp, nil
}

// buildContextParts formats hybrid-search hits and optional web context into
// prompt-ready strings, adapted from engine/rag.Service's buildContextParts.
func buildContextParts(hits []vectorindex.Hit, webContext string) []string {
	parts := make([]string, 0, len(hits)+1)
	for _, h := range hits {
		parts = append(parts, fmt.Sprintf("[%s] (source: %s, score: %.3f)\n%s", h.ID, h.Source, h.Score, h.Content))
	}
	if webContext != "" {
		parts = append(parts, "Web search context:\n"+webContext)
	}
	return parts
}

func buildVerdictPrompt(claim string, contextParts []string) string {
	var b strings.Builder
	b.WriteString("Claim: ")
	b.WriteString(claim)
	b.WriteString("\n\nContext:\n")
	for _, p := range contextParts {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString(`Respond with JSON {"verdict": "TRUE"|"FALSE"|"MIXED"|"UNDETERMINED", "evidence": ["..."]}.`)
	return b.String()
}
