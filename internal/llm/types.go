// Package llm provides streaming clients for the LLM providers Squire
// routes across: Anthropic (primary, tool use), OpenAI-compatible SSE
// endpoints (Groq, OpenRouter), and a local Ollama fallback.
package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Usage counts tokens for one provider call. Values add across calls:
// the agent loop accumulates one Usage per iteration and reports the
// sum.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + o.InputTokens,
		OutputTokens:        u.OutputTokens + o.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens + o.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ContentBlock is one element of a structured message. The shape is
// wire-compatible with Anthropic content blocks and is also the unit
// the conversation log persists for tool round-trips, so a block list
// survives a serialize/parse cycle unchanged.
type ContentBlock struct {
	Type      string         `json:"type"` // text, tool_use, tool_result
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`          // tool_use: provider-assigned id
	Name      string         `json:"name,omitempty"`        // tool_use: tool name
	Input     map[string]any `json:"input,omitempty"`       // tool_use: arguments
	ToolUseID string         `json:"tool_use_id,omitempty"` // tool_result: correlating id
	Content   string         `json:"content,omitempty"`     // tool_result: payload
}

// Message represents a chat message. Content carries plain text; Blocks
// carries structured content (tool use round-trips) and wins over
// Content when non-nil.
type Message struct {
	Role    string         `json:"role"` // system, user, assistant
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// TextMessage is shorthand for a plain-text message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ToolSchema describes one callable tool for the provider's
// function-calling API.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is a provider-neutral chat request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
	Tools     []ToolSchema // honored by tool-capable providers only
}

// Result is the final snapshot of one provider call, available after
// the stream has been fully consumed.
type Result struct {
	Model      string
	StopReason string // provider-native: end_turn, tool_use, stop, length, ...
	Message    Message
	Usage      Usage
}

// ToolUses returns the tool_use blocks of the result message, in the
// provider's declared order.
func (r *Result) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Message.Blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// TextFunc receives incremental text deltas during streaming.
type TextFunc func(delta string)

// ToolStartFunc is notified when the model opens a tool_use block,
// before its input has streamed.
type ToolStartFunc func(name, id string)

// Client is the minimal streaming surface every provider implements.
type Client interface {
	// Name identifies the provider for routing, logging, and the
	// fallback banner.
	Name() string
	// StreamMessage sends req, pushes text deltas to onText as they
	// arrive (onText may be nil), and returns the final snapshot.
	StreamMessage(ctx context.Context, req Request, onText TextFunc) (*Result, error)
}

// ToolStreamer is implemented by providers that support tool use.
type ToolStreamer interface {
	Client
	// StreamWithTools behaves like StreamMessage and additionally
	// reports tool_use block starts via onTool (may be nil).
	StreamWithTools(ctx context.Context, req Request, onText TextFunc, onTool ToolStartFunc) (*Result, error)
}

// Pinger is implemented by clients that can cheaply probe reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIError is an HTTP-level provider failure raised before any stream
// events were delivered. Status 0 means no HTTP response was received
// (dial failure, timeout). Mid-stream failures are plain errors and are
// never retried.
type APIError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the error is transient: connection-level
// failures, rate limits, and server errors (including Anthropic's 529
// overloaded). Client errors other than 429 are permanent.
func (e *APIError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
