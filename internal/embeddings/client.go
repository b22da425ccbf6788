// Package embeddings generates and stores vector embeddings for
// semantic memory search. Generation goes through an Ollama-compatible
// embedding endpoint; storage is SQLite with a sqlite-vec index when
// the extension is present.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/penhold/squire/internal/httpkit"
)

// Client generates embeddings using Ollama's embedding API.
type Client struct {
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client
	logger     *slog.Logger

	// sem bounds in-flight embedding requests; the reindex job fans
	// out across goroutines and the local model serializes poorly
	// under unbounded concurrency.
	sem chan struct{}
}

// Config for the embedding client.
type Config struct {
	BaseURL    string // Ollama base URL (e.g. "http://localhost:11434")
	Model      string // embedding model (e.g. "all-minilm")
	Dimensions int    // expected vector width
	Workers    int    // max concurrent embedding requests
}

// New creates an embedding client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "all-minilm"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
		logger: logger.With("component", "embeddings"),
		sem:    make(chan struct{}, cfg.Workers),
	}
}

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.model }

// Dimensions returns the expected vector width.
func (c *Client) Dimensions() int { return c.dims }

// embedRequest is the Ollama embedding API request.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the Ollama embedding API response.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the L2-normalized embedding for text. The dimension is
// validated against the configured width so a model swap cannot poison
// the index with mismatched vectors.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(embedResp.Embedding) != c.dims {
		return nil, fmt.Errorf("model %s returned %d dimensions, want %d", c.model, len(embedResp.Embedding), c.dims)
	}

	return Normalize(embedResp.Embedding), nil
}

// EmbedBatch embeds multiple texts sequentially. Callers that want
// parallelism run their own workers; Embed bounds total concurrency.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Ping checks that the embedding server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding server unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server returned status %d", resp.StatusCode)
	}
	return nil
}
