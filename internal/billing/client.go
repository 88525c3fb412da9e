// Package billing talks to the external billing collaborator. Entitlement
// results are cached briefly so hot callers do not hammer the billing
// service on every request.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Client checks entitlements and reports usage. A zero-value base URL puts
// the client in disabled mode where every check passes locally.
type Client struct {
	baseURL    string
	feature    string
	httpClient *http.Client
	cache      *gocache.Cache
}

func New(baseURL, feature string, timeout, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		feature:    feature,
		httpClient: &http.Client{Timeout: timeout},
		cache:      gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Disabled reports whether entitlement checking is configured at all.
func (c *Client) Disabled() bool { return c.baseURL == "" }

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

// Check returns whether userID is entitled to use the gateway. Errors are
// returned as-is; the fail-open decision belongs to the caller.
func (c *Client) Check(ctx context.Context, userID string) (bool, error) {
	if c.Disabled() {
		return true, nil
	}

	if cached, ok := c.cache.Get(userID); ok {
		return cached.(bool), nil
	}

	url := fmt.Sprintf("%s/v1/entitlements/%s?feature=%s", c.baseURL, userID, c.feature)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("billing check returned status %d", resp.StatusCode)
	}

	var body checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}

	c.cache.SetDefault(userID, body.Allowed)
	return body.Allowed, nil
}

type trackRequest struct {
	UserID  string `json:"user_id"`
	Feature string `json:"feature"`
	Value   int    `json:"value"`
}

// Track reports usage for metering. Best-effort at the call site; errors
// are returned for logging only.
func (c *Client) Track(ctx context.Context, userID string, value int) error {
	if c.Disabled() {
		return nil
	}

	payload, err := json.Marshal(trackRequest{UserID: userID, Feature: c.feature, Value: value})
	if err != nil {
		return err
	}

	url := c.baseURL + "/v1/usage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing track returned status %d", resp.StatusCode)
	}
	return nil
}
