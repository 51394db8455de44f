// Package signedurl fetches short-lived authenticated connection endpoints
// from the application's backend broker.
package signedurl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const brokerPath = "/api/get-signed-url"

// Client performs the single broker request. It never retries; the
// connection state machine owns retry policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// Configured reports whether a broker endpoint is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Fetch requests one signed connection URL. A non-2xx response or a payload
// without the signedUrl field is an error, not an exception: callers decide
// whether to fall back to static credentials.
func (c *Client) Fetch(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("signed url broker is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+brokerPath, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return "", fmt.Errorf("broker error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		SignedURL string `json:"signedUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(decoded.SignedURL) == "" {
		return "", fmt.Errorf("broker response missing signedUrl")
	}
	return decoded.SignedURL, nil
}
