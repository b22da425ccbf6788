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

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// AnthropicClient streams chat completions from the Anthropic Messages
// API, including tool use.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	retry      RetryPolicy
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// LLM responses can take significant time before sending headers
	// (thinking, long prompts). Use a custom transport with a generous
	// response header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		logger:  logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// No global timeout — streaming responses can be long-lived.
			// Rely on ctx deadlines/cancellation for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
		retry: DefaultRetry,
	}
}

// SetBaseURL overrides the API endpoint. Used in tests.
func (c *AnthropicClient) SetBaseURL(u string) { c.baseURL = strings.TrimSuffix(u, "/") }

// SetRetry overrides the retry policy.
func (c *AnthropicClient) SetRetry(p RetryPolicy) { c.retry = p }

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) StreamMessage(ctx context.Context, req Request, onText TextFunc) (*Result, error) {
	return c.StreamWithTools(ctx, req, onText, nil)
}

// StreamWithTools sends req and consumes the SSE stream, assembling the
// assistant message as an ordered block list. Initiation failures are
// retried per the client policy; once events flow, errors are final.
func (c *AnthropicClient) StreamWithTools(ctx context.Context, req Request, onText TextFunc, onTool ToolStartFunc) (*Result, error) {
	body, err := json.Marshal(c.convertRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.retry.Do(ctx, c.logger, func() (*Result, error) {
		return c.streamOnce(ctx, body, onText, onTool)
	})
}

func (c *AnthropicClient) streamOnce(ctx context.Context, body []byte, onText TextFunc, onTool ToolStartFunc) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Provider: "anthropic", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider: "anthropic",
			Status:   resp.StatusCode,
			Body:     httpkit.ReadErrorBody(resp.Body, 4096),
		}
	}

	res, err := c.readStream(resp.Body, onText, onTool)
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

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

// anthropicEvent is the union of SSE payload shapes the Messages API
// emits. Fields are populated per event type.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Index        int `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

func (c *AnthropicClient) readStream(body io.Reader, onText TextFunc, onTool ToolStartFunc) (*Result, error) {
	res := &Result{Message: Message{Role: "assistant"}}

	// Current open block, finalized on content_block_stop. Tool input
	// streams as JSON fragments that only parse once complete.
	var blocks []ContentBlock
	var current *ContentBlock
	var toolJSON strings.Builder
	var text strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Log(context.Background(), LevelTrace, "skipping unparseable event", "data", data)
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				res.Model = ev.Message.Model
				res.Usage = ev.Message.Usage.toUsage()
			}
		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			switch ev.ContentBlock.Type {
			case "text":
				current = &ContentBlock{Type: "text", Text: ev.ContentBlock.Text}
			case "tool_use":
				current = &ContentBlock{Type: "tool_use", ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				toolJSON.Reset()
				if onTool != nil {
					onTool(ev.ContentBlock.Name, ev.ContentBlock.ID)
				}
			default:
				current = nil
			}
		case "content_block_delta":
			if ev.Delta == nil || current == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				current.Text += ev.Delta.Text
				text.WriteString(ev.Delta.Text)
				if onText != nil {
					onText(ev.Delta.Text)
				}
			case "input_json_delta":
				toolJSON.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if current == nil {
				continue
			}
			if current.Type == "tool_use" {
				input := map[string]any{}
				if raw := toolJSON.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						return nil, fmt.Errorf("parse tool input for %s: %w", current.Name, err)
					}
				}
				current.Input = input
			}
			blocks = append(blocks, *current)
			current = nil
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				res.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				res.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			if ev.Error != nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return nil, fmt.Errorf("anthropic stream error")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	res.Message.Blocks = blocks
	res.Message.Content = text.String()
	return res, nil
}

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or block list
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// convertRequest maps the neutral request onto the Anthropic wire
// shape. System-role messages are folded into the system prompt, which
// the Messages API carries outside the message list.
func (c *AnthropicClient) convertRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var systems []string
	if req.System != "" {
		systems = append(systems, req.System)
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			systems = append(systems, m.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: convertContent(m)})
	}
	out.System = strings.Join(systems, "\n\n")

	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// convertContent renders a message body: plain string when only text is
// present, a block array when the message carries structured content.
func convertContent(m Message) any {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	out := make([]map[string]any, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			out = append(out, map[string]any{"type": "text", "text": b.Text})
		case "tool_use":
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			out = append(out, map[string]any{
				"type":  "tool_use",
				"id":    b.ID,
				"name":  b.Name,
				"input": input,
			})
		case "tool_result":
			out = append(out, map[string]any{
				"type":        "tool_result",
				"tool_use_id": b.ToolUseID,
				"content":     b.Content,
			})
		}
	}
	return out
}

// Ping issues a minimal one-token request to verify the API key and
// reachability.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"model":      "claude-3-5-haiku-latest",
		"max_tokens": 1,
		"messages":   []map[string]any{{"role": "user", "content": "ping"}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "anthropic", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}
	return nil
}
