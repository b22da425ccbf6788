// Package fetch downloads web pages and boils them down to readable
// text for the model: tags, scripts, navigation, and boilerplate are
// stripped, leaving the title and the page's visible prose.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/penhold/squire/internal/httpkit"
)

const (
	defaultTimeout = 30 * time.Second
	// maxBodyBytes caps how much of a response is read; pages larger
	// than this are cut, not refused.
	maxBodyBytes int64 = 5 * 1024 * 1024
	// DefaultMaxChars bounds the extracted text handed to the model.
	DefaultMaxChars = 50000
)

// Page is the readable content of one fetched URL.
type Page struct {
	URL         string
	Title       string
	Content     string
	ContentType string
	StatusCode  int
	Truncated   bool
}

// Fetcher downloads pages. Safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a fetcher with the shared transport defaults.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(defaultTimeout)),
		maxBytes: maxBodyBytes,
	}
}

// Fetch downloads rawURL and extracts its readable text. maxChars <= 0
// uses DefaultMaxChars. Non-2xx responses still return a Page; the
// status code tells the model what happened.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	page := &Page{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}

	switch {
	case isHTML(page.ContentType):
		page.Title, page.Content = extractReadable(string(body))
	case isPlainText(page.ContentType), utf8.Valid(body):
		page.Content = string(body)
	default:
		page.Content = fmt.Sprintf("Binary content (%s), %d bytes", page.ContentType, len(body))
		return page, nil
	}

	if utf8.RuneCountInString(page.Content) > maxChars {
		page.Content = cutRunes(page.Content, maxChars)
		page.Truncated = true
	}
	return page, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// cutRunes truncates to n runes without splitting a multi-byte
// character.
func cutRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count >= n {
			return s[:i]
		}
		count++
	}
	return s
}
