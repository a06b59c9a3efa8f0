// Package schemaregistry is a minimal client for fetching the latest schema
// id for a subject. It exists because no schema-registry client library
// appears anywhere in the reference pack this gateway was built from; see
// DESIGN.md for the standard-library justification.
package schemaregistry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Client fetches and caches the latest schema id for a subject. Once cached,
// the id is only re-fetched when a caller invokes Refresh.
type Client struct {
	baseURL string
	key     string
	secret  string
	subject string
	httpc   *http.Client

	mu       sync.RWMutex
	schemaID int
	cachedAt time.Time
}

type latestVersionResponse struct {
	Subject string `json:"subject"`
	ID      int    `json:"id"`
	Version int    `json:"version"`
	Schema  string `json:"schema"`
}

// New builds a client for the given registry base URL and subject. If
// baseURL is empty, the client operates in disabled mode: SchemaID always
// returns 0, nil, letting callers skip the schema-id header entirely.
func New(baseURL, key, secret, subject string) *Client {
	return &Client{
		baseURL: baseURL,
		key:     key,
		secret:  secret,
		subject: subject,
		httpc:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether a registry URL was configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// SchemaID returns the cached schema id for the configured subject, fetching
// it on first use.
func (c *Client) SchemaID() (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	c.mu.RLock()
	id := c.schemaID
	has := !c.cachedAt.IsZero()
	c.mu.RUnlock()
	if has {
		return id, nil
	}

	return c.Refresh()
}

// Refresh re-fetches the latest schema id unconditionally, overwriting the
// cache. The producer calls it once more when SchemaID returns an error;
// a successfully cached id is never re-fetched by the producer.
func (c *Client) Refresh() (int, error) {
	u, err := url.JoinPath(c.baseURL, "subjects", c.subject, "versions", "latest")
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: build url: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: build request: %w", err)
	}
	if c.key != "" {
		req.SetBasicAuth(c.key, c.secret)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("schemaregistry: unexpected status %d for subject %s", resp.StatusCode, c.subject)
	}

	var body latestVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("schemaregistry: decode response: %w", err)
	}

	c.mu.Lock()
	c.schemaID = body.ID
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return body.ID, nil
}
