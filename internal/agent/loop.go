// Package agent implements the tool-use loop: stream a model turn,
// dispatch the tools it called, feed results back, repeat until the
// model stops calling tools or the iteration ceiling hits.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/penhold/squire/internal/llm"
	"github.com/penhold/squire/internal/tools"
)

// Config bounds one agent run.
type Config struct {
	MaxToolIterations int // default 5
	MaxTokens         int // per-response output cap, default 4096
}

// DefaultConfig matches the daemon defaults.
var DefaultConfig = Config{MaxToolIterations: 5, MaxTokens: 4096}

// RunResult is the final snapshot of an agent run.
type RunResult struct {
	Text       string    // text of the closing assistant message
	StopReason string    // provider-native stop reason of the last iteration
	Usage      llm.Usage // sum across iterations
	Iterations int       // provider calls made
}

// Loop drives the tool-use conversation against a tool-capable
// provider.
type Loop struct {
	client   llm.ToolStreamer
	registry *tools.Registry
	config   Config
	logger   *slog.Logger
}

// NewLoop builds an agent loop.
func NewLoop(client llm.ToolStreamer, registry *tools.Registry, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultConfig.MaxToolIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig.MaxTokens
	}
	return &Loop{
		client:   client,
		registry: registry,
		config:   cfg,
		logger:   logger,
	}
}

// Run executes the loop over a copy of messages. Tool identity (user,
// chat, session) must already be on ctx; tool handlers read it from
// there. emit and persist may be nil.
//
// Stream-initiation retry belongs to the client (its RetryPolicy); the
// loop makes exactly one StreamWithTools call per iteration so failing
// providers are never retried twice over. Once an iteration has
// streamed any event the state machine has advanced and the iteration
// is never replayed. Tool errors come back as result strings and never
// retry.
func (l *Loop) Run(ctx context.Context, model, system string, messages []llm.Message, emit EmitFunc, persist PersistFunc) (*RunResult, error) {
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)

	if emit == nil {
		emit = func(Event) {}
	}

	var usage llm.Usage
	result := &RunResult{}

	for iter := 1; iter <= l.config.MaxToolIterations; iter++ {
		req := llm.Request{
			Model:     model,
			System:    system,
			Messages:  msgs,
			MaxTokens: l.config.MaxTokens,
			Tools:     l.registry.Schemas(),
		}

		res, err := l.client.StreamWithTools(ctx, req,
			func(delta string) {
				emit(Event{Kind: EventText, Text: delta})
			},
			func(name, id string) {
				emit(Event{Kind: EventToolStatus, ToolName: name, ToolID: id})
			})
		if err != nil {
			return nil, fmt.Errorf("agent iteration %d: %w", iter, err)
		}

		usage = usage.Add(res.Usage)
		result.Iterations = iter
		result.StopReason = res.StopReason
		result.Text = res.Message.Content
		result.Usage = usage

		toolUses := res.ToolUses()
		if res.StopReason != "tool_use" || len(toolUses) == 0 {
			return result, nil
		}

		toolResults := make([]llm.ContentBlock, 0, len(toolUses))
		for _, use := range toolUses {
			out := l.registry.Dispatch(ctx, use.Name, use.Input)
			emit(Event{Kind: EventToolResult, ToolName: use.Name, ToolID: use.ID, Result: out})
			toolResults = append(toolResults, llm.ContentBlock{
				Type:      "tool_result",
				ToolUseID: use.ID,
				Content:   out,
			})
		}

		if persist != nil {
			if err := persist(res.Message.Blocks, toolResults); err != nil {
				return nil, fmt.Errorf("persist tool turn: %w", err)
			}
		}
		emit(Event{Kind: EventToolTurnComplete, AssistantBlocks: res.Message.Blocks, ToolResultBlocks: toolResults})

		msgs = append(msgs,
			llm.Message{Role: "assistant", Blocks: res.Message.Blocks},
			llm.Message{Role: "user", Blocks: toolResults},
		)
	}

	l.logger.Warn("agent loop hit the tool iteration ceiling",
		"iterations", l.config.MaxToolIterations,
		"model", model,
	)
	return result, nil
}
