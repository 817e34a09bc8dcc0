package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// Client talks to the feed server's HTTP API.
//
// It deliberately has no retry logic. Callers own their retry policy;
// this layer only classifies outcomes.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New creates a client for the given base URL (e.g. "https://reader.local").
// timeout bounds each individual request; background activations run
// under a hard wall-clock budget, so requests must fail rather than hang.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// ServerKey fetches the server's active signing key and returns its
// decoded public bytes.
func (c *Client) ServerKey(ctx context.Context) ([]byte, error) {
	var cfg ServerConfig
	if err := c.getJSON(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(cfg.Vapid.PublicKey)
	if raw == "" {
		return nil, fmt.Errorf("get config: empty vapid public key")
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("get config: decode vapid public key: %w", err)
	}
	return key, nil
}

func (c *Client) Post(ctx context.Context, id string) (*Post, error) {
	var p Post
	if err := c.getJSON(ctx, "/api/posts/"+url.PathEscape(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Feed(ctx context.Context, id string) (*Feed, error) {
	var f Feed
	if err := c.getJSON(ctx, "/api/feeds/"+url.PathEscape(id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// SubmitSubscription registers an endpoint with the server. The registry
// is keyed by endpoint URL server-side, so duplicates are no-ops.
func (c *Client) SubmitSubscription(ctx context.Context, sub PushSubscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("submit subscription: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/push_subscriptions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit subscription: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("submit subscription: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Op: "submit subscription"}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Op: "get " + path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get %s: decode: %w", path, err)
	}
	return nil
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64<<10))
	_ = rc.Close()
}
