package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/penhold/squire/internal/httpkit"
)

// OllamaClient streams chat completions from a local Ollama server. It
// is the last-resort fallback when every remote provider is down, so it
// deliberately stays simple: text only, no tools, no retry (there is
// nothing left to fall back to).
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpkit.NewClient(
			// Local models can be slow to load and generate.
			httpkit.WithTimeout(5 * time.Minute),
		),
		logger: logger.With("provider", "ollama"),
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChunk is one line of the chunked JSON response stream.
type ollamaChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
}

// StreamMessage sends req to /api/chat and decodes the chunked JSON
// stream until the server reports completion. Usage is reported as
// zero: local generation has no billable tokens.
func (c *OllamaClient) StreamMessage(ctx context.Context, req Request, onText TextFunc) (*Result, error) {
	oreq := ollamaRequest{Model: req.Model, Stream: true}
	if req.System != "" {
		oreq.Messages = append(oreq.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		content := m.Content
		if content == "" && len(m.Blocks) > 0 {
			var sb strings.Builder
			for _, b := range m.Blocks {
				switch b.Type {
				case "text":
					sb.WriteString(b.Text)
				case "tool_result":
					sb.WriteString(b.Content)
				}
			}
			content = sb.String()
		}
		if content == "" {
			continue
		}
		oreq.Messages = append(oreq.Messages, ollamaMessage{Role: m.Role, Content: content})
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Provider: "ollama", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider: "ollama",
			Status:   resp.StatusCode,
			Body:     httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	res := &Result{Message: Message{Role: "assistant"}}
	var text strings.Builder

	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if onText != nil {
				onText(chunk.Message.Content)
			}
		}
		if chunk.Done {
			res.StopReason = chunk.DoneReason
			break
		}
	}

	content := text.String()
	res.Message.Content = content
	if content != "" {
		res.Message.Blocks = []ContentBlock{{Type: "text", Text: content}}
	}
	c.logger.Debug("stream complete",
		"model", res.Model,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// Ping checks that the Ollama server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}
	return nil
}

// ListModels returns the names of locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
