// Package upstream is the HTTP client used for provider API calls. Every
// request is bounded by the client timeout and response bodies are capped.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseBody caps how much of an upstream response is buffered.
	maxResponseBody = 4 * 1024 * 1024
)

// Result is a fully-read upstream response.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client wraps http.Client with bearer auth and bounded reads.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Get issues an authenticated GET, forwarding query parameters.
func (c *Client) Get(ctx context.Context, rawURL, accessToken string, query url.Values) (*Result, error) {
	return c.Do(ctx, http.MethodGet, rawURL, accessToken, query, nil, "")
}

// Post issues an authenticated POST with the given body.
func (c *Client) Post(ctx context.Context, rawURL, accessToken string, body io.Reader, contentType string) (*Result, error) {
	return c.Do(ctx, http.MethodPost, rawURL, accessToken, nil, body, contentType)
}

// Do issues an authenticated request and buffers the response.
func (c *Client) Do(ctx context.Context, method, rawURL, accessToken string, query url.Values, body io.Reader, contentType string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
