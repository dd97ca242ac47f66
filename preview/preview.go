// Package preview fetches a short readable excerpt for articles that are
// bare links, so the bot can show something more useful than the URL when a
// list item is opened.
package preview

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const defaultMaxExcerptLen = 600

// Fetcher retrieves readable excerpts from web pages.
type Fetcher struct {
	httpClient    *http.Client
	maxExcerptLen int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.httpClient.Timeout = d
	}
}

// WithMaxExcerptLength sets the maximum excerpt length in runes.
func WithMaxExcerptLength(n int) Option {
	return func(f *Fetcher) {
		f.maxExcerptLen = n
	}
}

// NewFetcher creates an excerpt fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		maxExcerptLen: defaultMaxExcerptLen,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the page and extracts a trimmed text excerpt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ReadingListBot/1.0)")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	page, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return "", fmt.Errorf("parse content: %w", err)
	}

	return f.excerpt(page.TextContent), nil
}

// excerpt collapses whitespace and truncates on a word boundary.
func (f *Fetcher) excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= f.maxExcerptLen {
		return text
	}
	cut := string(runes[:f.maxExcerptLen])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
