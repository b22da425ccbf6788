package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/penhold/squire/internal/httpkit"
)

const defaultCount = 5

// SearXNG queries a self-hosted SearXNG instance over its JSON API.
type SearXNG struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSearXNG creates a SearXNG provider. baseURL is the instance root
// (e.g., "https://searx.lan"). apiKey, when set, is sent as a bearer
// token for instances behind an auth proxy. insecureTLS skips
// certificate verification for self-signed local instances.
func NewSearXNG(baseURL, apiKey string, insecureTLS bool) *SearXNG {
	opts := []httpkit.ClientOption{httpkit.WithTimeout(15 * time.Second)}
	if insecureTLS {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpkit.NewClient(opts...),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

type searxngResponse struct {
	Results []searxngResult `json:"results"`
}

type searxngResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Search queries the instance's /search endpoint. SearXNG has no
// server-side result cap, so Count is applied here.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	count := opts.Count
	if count <= 0 {
		count = defaultCount
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, body)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	results := make([]Result, 0, count)
	for i, r := range sr.Results {
		if i >= count {
			break
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return results, nil
}
