package tools

import (
	"context"
	"fmt"
)

// SessionCompactor folds a session down to its summary turn.
type SessionCompactor interface {
	Compact(ctx context.Context, sessionKey string) error
}

// RegisterSessionTools wires conversation-control tools.
func (r *Registry) RegisterSessionTools(compactor SessionCompactor) {
	r.Register(&Tool{
		Name:        "compact_conversation",
		Description: "Summarize and compact today's conversation history. Use when the user asks to clean up or when context is getting long.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			key := SessionKeyFromContext(ctx)
			if key == "" {
				return "", fmt.Errorf("no active session")
			}
			if err := compactor.Compact(ctx, key); err != nil {
				return "", err
			}
			return "Conversation compacted.", nil
		},
	})
}
