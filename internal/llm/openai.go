package llm

import (
	"bufio"
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

// OpenAIClient streams chat completions from any OpenAI-compatible
// endpoint. Groq and OpenRouter both speak this dialect; the name
// distinguishes them in routing and logs.
type OpenAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	retry      RetryPolicy
}

// NewOpenAIClient creates a client for an OpenAI-compatible API.
// baseURL is the versioned root, e.g. https://api.groq.com/openai/v1.
func NewOpenAIClient(name, baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", name),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
		retry: DefaultRetry,
	}
}

// SetRetry overrides the retry policy.
func (c *OpenAIClient) SetRetry(p RetryPolicy) { c.retry = p }

func (c *OpenAIClient) Name() string { return c.name }

type openAIRequest struct {
	Model         string              `json:"model"`
	Messages      []openAIMessage     `json:"messages"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Stream        bool                `json:"stream"`
	StreamOptions *openAIStreamOption `json:"stream_options,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

// openAIChunk is one SSE data payload. The last chunk may carry usage;
// some providers send it before the [DONE] marker, some after.
type openAIChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamMessage sends req and consumes the SSE stream. Tool use is not
// offered on this path; these providers serve text-only routes.
func (c *OpenAIClient) StreamMessage(ctx context.Context, req Request, onText TextFunc) (*Result, error) {
	body, err := json.Marshal(c.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.retry.Do(ctx, c.logger, func() (*Result, error) {
		return c.streamOnce(ctx, body, onText)
	})
}

func (c *OpenAIClient) streamOnce(ctx context.Context, body []byte, onText TextFunc) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Provider: c.name, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider: c.name,
			Status:   resp.StatusCode,
			Body:     httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	res, err := c.readStream(resp.Body, onText)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("stream complete",
		"model", res.Model,
		"stop_reason", res.StopReason,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (c *OpenAIClient) readStream(body io.Reader, onText TextFunc) (*Result, error) {
	res := &Result{Message: Message{Role: "assistant"}}
	var text strings.Builder

	// Scan to EOF rather than stopping at [DONE]: usage placement
	// relative to the marker varies by provider.
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Log(context.Background(), LevelTrace, "skipping unparseable chunk", "data", data)
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("%s stream error: %s", c.name, chunk.Error.Message)
		}
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if onText != nil {
					onText(choice.Delta.Content)
				}
			}
			if choice.FinishReason != "" {
				res.StopReason = choice.FinishReason
			}
		}
		if chunk.Usage != nil {
			res.Usage.InputTokens = chunk.Usage.PromptTokens
			res.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	content := text.String()
	res.Message.Content = content
	if content != "" {
		res.Message.Blocks = []ContentBlock{{Type: "text", Text: content}}
	}
	return res, nil
}

func (c *OpenAIClient) convertRequest(req Request) openAIRequest {
	out := openAIRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openAIStreamOption{IncludeUsage: true},
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		content := m.Content
		if content == "" && len(m.Blocks) > 0 {
			// Flatten structured content: these providers see text only.
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
		out.Messages = append(out.Messages, openAIMessage{Role: m.Role, Content: content})
	}
	return out
}

// Ping lists models to verify the API key and reachability.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: c.name, Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}
	return nil
}
