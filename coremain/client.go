package coremain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pmkol/resync/pkg/cache"
	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/connectivity"
	"github.com/pmkol/resync/pkg/offline_sync"
)

// APIError is a non 2xx response of the api server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to the api server of a running engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient accepts "host:port" or a full http url.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimSuffix(addr, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && len(apiErr.Message) > 0 {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) Pending(ctx context.Context) ([]offline_sync.Operation, error) {
	var ops []offline_sync.Operation
	return ops, c.do(ctx, http.MethodGet, "/queue", nil, &ops)
}

func (c *Client) Enqueue(ctx context.Context, op offline_sync.Operation) (string, error) {
	var res enqueueResponse
	err := c.do(ctx, http.MethodPost, "/queue", op, &res)
	return res.ID, err
}

func (c *Client) Sync(ctx context.Context, force bool) (offline_sync.SyncResult, error) {
	var res offline_sync.SyncResult
	path := "/queue/sync"
	if force {
		path += "?force=true"
	}
	return res, c.do(ctx, http.MethodPost, path, nil, &res)
}

func (c *Client) ClearQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/queue", nil, nil)
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/queue/"+url.PathEscape(id), nil, nil)
}

func (c *Client) CacheStats(ctx context.Context) (cache.Stats, error) {
	var s cache.Stats
	return s, c.do(ctx, http.MethodGet, "/cache/stats", nil, &s)
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/cache", nil, nil)
}

func (c *Client) Breakers(ctx context.Context) ([]circuit_breaker.Snapshot, error) {
	var s []circuit_breaker.Snapshot
	return s, c.do(ctx, http.MethodGet, "/breakers", nil, &s)
}

func (c *Client) ResetBreaker(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/breakers/"+url.PathEscape(name)+"/reset", nil, nil)
}

func (c *Client) Connectivity(ctx context.Context) (connectivity.Status, error) {
	var s connectivity.Status
	return s, c.do(ctx, http.MethodGet, "/connectivity", nil, &s)
}

func (c *Client) SetOnline(ctx context.Context, online bool) (connectivity.Status, error) {
	var s connectivity.Status
	return s, c.do(ctx, http.MethodPost, "/connectivity", connectivityRequest{Online: online}, &s)
}
