package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/config"
)

// Embedder produces text embeddings for vector search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// embedderClient talks to any OpenAI-compatible /v1/embeddings
// endpoint.
type embedderClient struct {
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	batchSize   int
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewEmbedder builds an embedder from config, or returns nil when
// embeddings are disabled. Callers treat nil as keyword-only mode.
func NewEmbedder(cfg config.EmbeddingConfig, fallback config.ProviderConfig) Embedder {
	if !cfg.Enabled {
		return nil
	}

	client := &embedderClient{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		batchSize:   cfg.BatchSize,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
	}
	if client.apiKey == "" {
		client.apiKey = fallback.APIKey
	}
	if client.batchSize <= 0 {
		client.batchSize = config.DefaultEmbeddingBatchSize
	}
	return client
}

func (c *embedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vectors, err := c.request(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (c *embedderClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		chunk, err := c.request(ctx, texts[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (c *embedderClient) request(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("missing embedding base url")
	}
	if c.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(decoded.Data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= expectedCount || vectors[item.Index] != nil {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", item.Index)
		}
		if c.expectedDim > 0 && len(item.Embedding) != c.expectedDim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), c.expectedDim)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding index %d", i)
		}
	}
	return vectors, nil
}

// BackfillEmbeddings embeds entries missing vectors and stores the
// results. Failures are logged per entry and do not abort the sweep.
func BackfillEmbeddings(ctx context.Context, store *Store, embedder Embedder) (int, error) {
	if embedder == nil {
		return 0, nil
	}
	entries, err := store.EntriesMissingEmbeddings()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, e := range entries {
		vec, err := embedder.Embed(ctx, e.Content)
		if err != nil {
			continue
		}
		blob, err := EncodeVector(vec)
		if err != nil {
			continue
		}
		if err := store.SetEmbedding(e.ID, blob); err != nil {
			continue
		}
		done++
	}
	return done, nil
}
