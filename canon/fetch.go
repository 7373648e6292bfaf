package canon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/inquest/horosafe"
)

// Refetcher re-fetches post content from its origin platform so that an
// investigation can run on server-verified text instead of trusting the
// client's observation.
type Refetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// RefetchOption customises a Refetcher.
type RefetchOption func(*Refetcher)

// WithHTTPClient overrides the default 30s-timeout client.
func WithHTTPClient(c *http.Client) RefetchOption {
	return func(r *Refetcher) { r.client = c }
}

// WithUserAgent sets the User-Agent header. Default: "inquest/1.0".
func WithUserAgent(ua string) RefetchOption {
	return func(r *Refetcher) { r.userAgent = ua }
}

// WithMaxBytes caps the response body size. Default: horosafe.MaxResponseBody.
func WithMaxBytes(n int64) RefetchOption {
	return func(r *Refetcher) { r.maxBytes = n }
}

// NewRefetcher creates a Refetcher with safe defaults.
func NewRefetcher(opts ...RefetchOption) *Refetcher {
	r := &Refetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "inquest/1.0",
		maxBytes:  horosafe.MaxResponseBody,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Fetch retrieves rawURL and returns its canonical text. The URL is validated
// against SSRF targets before any connection is made, and the body read is
// bounded. HTML responses go through ExtractText; anything else is treated
// as plain text.
func (r *Refetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := horosafe.ValidateURL(rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("canon: build request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("canon: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("canon: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := horosafe.LimitedReadAll(resp.Body, r.maxBytes)
	if err != nil {
		return "", fmt.Errorf("canon: read %s: %w", rawURL, err)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") || looksLikeHTML(body) {
		return ExtractText(string(body))
	}
	return Normalize(string(body)), nil
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}
