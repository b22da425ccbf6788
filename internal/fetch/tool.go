package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/penhold/squire/internal/tools"
)

// RegisterTools wires the web_fetch tool into the registry.
func RegisterTools(r *tools.Registry, f *Fetcher) {
	r.Register(&tools.Tool{
		Name:        "web_fetch",
		Description: "Download a web page and return its readable text. Use when the user shares a link, or when a search result needs its full content.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The page to fetch. Scheme defaults to https.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Cap on returned characters. Default 50000.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("url is required")
			}
			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				maxChars = int(mc)
			}

			page, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return "", err
			}
			return renderPage(page), nil
		},
	})
}

// renderPage formats a page for the model. The fetched text is
// tag-escaped so page content cannot inject markup into the prompt.
func renderPage(p *Page) string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", tools.EscapeExternal(p.Title))
	}
	fmt.Fprintf(&b, "URL: %s\n", p.URL)
	if p.StatusCode < 200 || p.StatusCode > 299 {
		fmt.Fprintf(&b, "HTTP status: %d\n", p.StatusCode)
	}
	b.WriteByte('\n')
	b.WriteString(tools.EscapeExternal(p.Content))
	if p.Truncated {
		b.WriteString("\n\n[content truncated]")
	}
	return b.String()
}
