package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"time"

	"github.com/dotcommander/mnemo/internal/app"
	"github.com/dotcommander/mnemo/internal/store"
)

// Embedder turns text into a vector. Embeddings are an accelerator on top of
// lexical retrieval, never a dependency: when the configured service is down,
// callers fall back to lexical-only results.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// NewEmbedder returns the HTTP embedder when an endpoint is configured,
// otherwise the deterministic local fallback.
func NewEmbedder(cfg app.EmbeddingConfig) Embedder {
	if cfg.Endpoint == "" {
		return hashEmbedder{dims: cfg.Dimensions}
	}
	return &httpEmbedder{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// hashEmbedder is a term-hashing bag-of-words projection. No model, no
// network, fully deterministic: the same text always embeds identically, so
// indexes built on different hosts agree.
type hashEmbedder struct {
	dims int
}

func (h hashEmbedder) Name() string { return "hash" }

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.dims
	if dims <= 0 {
		dims = 1024
	}
	vec := make([]float32, dims)

	for _, term := range store.NormalizeTerms(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(term))
		sum := f.Sum64()
		bucket := int(sum % uint64(dims)) //nolint:gosec // modulo keeps it in range
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// httpEmbedder speaks the Ollama-compatible embeddings API.
type httpEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
}

func (e *httpEmbedder) Name() string { return "http:" + e.model }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
