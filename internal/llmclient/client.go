// Package llmclient implements the opaque "(text, task) -> result" language
// model collaborator the spec treats as out-of-scope: an HTTP client against
// an Ollama-compatible inference server. It replaces the teacher's gRPC
// client generated from a protobuf package absent from this module's
// grounding material (see DESIGN.md).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/factually-labs/pipeline/pkg/domain"
	"github.com/factually-labs/pipeline/pkg/resilience"
)

// Task names the kind of call a transformation or verification worker makes.
// The client does not interpret these; it only names the task in error
// messages. They exist so callers don't reach for raw strings at call sites.
type Task string

const (
	TaskSummarize Task = "summarize"
	TaskSentiment Task = "sentiment"
	TaskClassify  Task = "classify"
	TaskVerify    Task = "verify"
)

// Client calls an Ollama-shaped inference server over HTTP.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// Option configures a Client.
type Option func(*Client)

func WithBreaker(b *resilience.Breaker) Option { return func(c *Client) { c.breaker = b } }
func WithLimiter(l *resilience.Limiter) Option { return func(c *Client) { c.limiter = l } }

// New builds a Client against baseURL (e.g. http://ollama:11434) using model
// for both embeddings and generation.
func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := c.call(ctx, "/api/embeddings", embedRequest{Model: c.model, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	out := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch embeds each text in turn. Ollama has no native batch embedding
// endpoint, so this mirrors the teacher's own sequential EmbedBatch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends prompt to the model unchanged, returning the raw model
// text; task only labels errors. Used for summarize/sentiment/classify, where the
// caller parses or trims the response itself.
func (c *Client) Generate(ctx context.Context, task Task, prompt string) (string, error) {
	var resp generateResponse
	req := generateRequest{Model: c.model, Prompt: prompt, Stream: false}
	if err := c.call(ctx, "/api/generate", req, &resp); err != nil {
		return "", fmt.Errorf("llmclient: %s: %w", task, err)
	}
	return resp.Response, nil
}

// GenerateJSON runs task and decodes the model's response as JSON into out.
// It asks Ollama for "format": "json" so tasks like verification get a
// structured {verdict, evidence} result instead of free text.
func (c *Client) GenerateJSON(ctx context.Context, task Task, prompt string, out any) error {
	var resp generateResponse
	req := generateRequest{Model: c.model, Prompt: prompt, Stream: false, Format: "json"}
	if err := c.call(ctx, "/api/generate", req, &resp); err != nil {
		return fmt.Errorf("llmclient: %s: %w", task, err)
	}
	if err := json.Unmarshal([]byte(resp.Response), out); err != nil {
		return domain.NewPipelineError("llmclient", domain.KindTransientUpstream, fmt.Errorf("decode %s response: %w", task, err))
	}
	return nil
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	do := func(ctx context.Context) error { return c.doHTTP(ctx, path, body, out) }
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.breaker != nil {
		return c.breaker.Call(ctx, do)
	}
	return do(ctx)
}

func (c *Client) doHTTP(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llmclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewPipelineError("llmclient", domain.KindTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domain.NewPipelineError("llmclient", domain.KindTransientUpstream, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.NewPipelineError("llmclient", domain.KindBadInput, fmt.Errorf("status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llmclient: decode response: %w", err)
	}
	return nil
}
