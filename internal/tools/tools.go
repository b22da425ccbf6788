// Package tools defines the tools available to the agent: the schema
// list handed to the LLM provider and the dispatch table that executes
// tool calls.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/penhold/squire/internal/llm"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds available tools. Registration order is preserved so
// the schema list sent to providers is stable across calls.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Re-registering a name replaces the handler but
// keeps its original position.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns the tool list in the provider's function-calling
// format, in registration order.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// Dispatch executes one tool call and always returns a result string.
// Unknown tools, handler errors, and handler panics are all captured
// and serialised so the model can read the failure and recover; the
// agent loop never sees a dispatch error.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]any) string {
	t := r.Get(name)
	if t == nil {
		return ErrorResult(name, fmt.Errorf("unknown tool"))
	}

	result, err := r.run(ctx, t, input)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return ErrorResult(name, err)
	}
	return result
}

func (r *Registry) run(ctx context.Context, t *Tool, input map[string]any) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Handler(ctx, input)
}

// ErrorResult formats a tool failure the way the model sees it.
func ErrorResult(name string, err error) string {
	return fmt.Sprintf("Tool %s encountered an error: %v", name, err)
}
