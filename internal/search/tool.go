package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/penhold/squire/internal/tools"
)

// RegisterTools wires the web_search tool into the registry.
func RegisterTools(r *tools.Registry, m *Manager) {
	r.Register(&tools.Tool{
		Name:        "web_search",
		Description: "Search the web. Use for current events, facts you are unsure about, or anything after your training data. Follow up with web_fetch to read a promising result in full.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum results to return (1-10). Default 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 result language ('en', 'de'). Omit for default.",
				},
				"provider": map[string]any{
					"type":        "string",
					"description": "Backend to query. Omit for the default.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}

			opts := Options{}
			if count, ok := args["count"].(float64); ok && count > 0 {
				opts.Count = int(count)
			}
			if lang, ok := args["language"].(string); ok {
				opts.Language = lang
			}

			var results []Result
			var err error
			if provider, ok := args["provider"].(string); ok && provider != "" {
				results, err = m.SearchWith(ctx, provider, query, opts)
			} else {
				results, err = m.Search(ctx, query, opts)
			}
			if err != nil {
				return "", err
			}
			return renderResults(results), nil
		},
	})
}

// renderResults formats hits as a numbered list. Titles and snippets
// are tag-escaped so result text cannot inject markup into the prompt.
func renderResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, tools.EscapeExternal(r.Title), tools.EscapeExternal(r.URL))
		if r.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", tools.EscapeExternal(r.Snippet))
		}
	}
	return b.String()
}
