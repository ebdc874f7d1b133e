// Package apiclient talks to the daemon's loopback API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haukened/linkguard/internal/guard/gateways/transport"
)

// Error message constants for consistent error handling
const (
	errAddrRequired  = "api address is required"
	errEncodeFailed  = "encode request failed"
	errBuildRequest  = "build request failed"
	errRequestFailed = "daemon unreachable"
	errDecodeFailed  = "malformed response body"
)

// DefaultTimeout covers one classification plus launch on the daemon side.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// Options configures a Client.
type Options struct {
	Addr    string
	Timeout time.Duration
	// options to inject for testing purposes
	HTTPClient *http.Client
}

// Client calls the loopback API.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client for the daemon at Addr (host:port or a full http URL).
func New(opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New(errAddrRequired)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	base := opts.Addr
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + base
	}
	return &Client{base: base, http: opts.HTTPClient}, nil
}

// Resolve asks the daemon what it would do with rawURL without launching anything.
func (c *Client) Resolve(ctx context.Context, rawURL, layer string) (transport.Action, error) {
	var out transport.Action
	err := c.do(ctx, http.MethodPost, "/v1/resolve", transport.URLRequest{URL: rawURL, Layer: layer}, &out)
	return out, err
}

// Open resolves rawURL and launches it when no user decision is needed.
func (c *Client) Open(ctx context.Context, rawURL, layer string) (transport.OpenResponse, error) {
	var out transport.OpenResponse
	err := c.do(ctx, http.MethodPost, "/v1/open", transport.URLRequest{URL: rawURL, Layer: layer}, &out)
	return out, err
}

// OpenAnyway carries out the user's choice to open a flagged or unclassified URL.
func (c *Client) OpenAnyway(ctx context.Context, rawURL, verdict string) error {
	return c.do(ctx, http.MethodPost, "/v1/open-anyway", transport.OpenAnywayRequest{URL: rawURL, Verdict: verdict}, nil)
}

// IsApproved reports whether rawURL has a live approval.
func (c *Client) IsApproved(ctx context.Context, rawURL string) (bool, error) {
	var out transport.ApprovalStatus
	err := c.do(ctx, http.MethodGet, "/v1/approvals?url="+url.QueryEscape(rawURL), nil, &out)
	return out.Approved, err
}

// Approve stores an approval. ttl <= 0 lets the daemon pick its default.
func (c *Client) Approve(ctx context.Context, rawURL string, ttl time.Duration) error {
	req := transport.ApproveRequest{URL: rawURL}
	if ttl > 0 {
		req.TTL = ttl.String()
	}
	return c.do(ctx, http.MethodPost, "/v1/approvals", req, nil)
}

// Forget drops any approval for rawURL.
func (c *Client) Forget(ctx context.Context, rawURL string) error {
	return c.do(ctx, http.MethodDelete, "/v1/approvals?url="+url.QueryEscape(rawURL), nil, nil)
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/cache", nil, nil)
}

func (c *Client) PurgeExpired(ctx context.Context) (int, error) {
	var out transport.PurgeResponse
	err := c.do(ctx, http.MethodPost, "/v1/cache/purge", nil, &out)
	return out.Purged, err
}

func (c *Client) Stats(ctx context.Context) (transport.Stats, error) {
	var out transport.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (c *Client) Protection(ctx context.Context) (transport.Protection, error) {
	var out transport.Protection
	err := c.do(ctx, http.MethodGet, "/v1/protection", nil, &out)
	return out, err
}

// SetProtection changes the layers that are non-nil in p and returns the result.
func (c *Client) SetProtection(ctx context.Context, p transport.Protection) (transport.Protection, error) {
	var out transport.Protection
	err := c.do(ctx, http.MethodPut, "/v1/protection", p, &out)
	return out, err
}

// History returns up to limit recent scan outcomes, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]transport.Scan, error) {
	var out []transport.Scan
	err := c.do(ctx, http.MethodGet, "/v1/history?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: %w", errEncodeFailed, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", errBuildRequest, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", errRequestFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w", errDecodeFailed, err)
	}
	return nil
}
