// Package client provides an HTTP client for the bundle proxy API with
// retry and concurrent prewarming.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fruitsalade/bundleproxy/pkg/protocol"
	"github.com/fruitsalade/bundleproxy/pkg/retry"
)

// Client talks to a bundle proxy server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// APIError is a non-success answer from the server.
type APIError struct {
	Status         int
	Message        string
	Details        string
	UpstreamStatus int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// AsAPIError checks if an error is an APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func apiError(resp *http.Response) error {
	ae := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var er protocol.ErrorResponse
	if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&er) == nil && er.Error != "" {
		ae.Message = er.Error
		ae.Details = er.Details
		ae.UpstreamStatus = er.UpstreamStatus
	}
	if ae.UpstreamStatus == 0 {
		ae.UpstreamStatus, _ = strconv.Atoi(resp.Header.Get("X-Upstream-Status"))
	}
	if resp.StatusCode >= 500 {
		return retry.Retryable(ae)
	}
	return ae
}

// doJSON sends a request and decodes a JSON answer into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return apiError(resp)
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func bundleQuery(pointer, entry string) string {
	q := url.Values{}
	q.Set("pointer", pointer)
	if entry != "" {
		q.Set("entry", entry)
	}
	return q.Encode()
}

// Health returns the server health summary.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var out protocol.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnsureCached asks the server to cache a bundle and waits for the result.
func (c *Client) EnsureCached(ctx context.Context, backend, pointer, entry string) (*protocol.CacheStatusResponse, error) {
	var out protocol.CacheStatusResponse
	body := protocol.CacheRequest{Pointer: pointer, Entry: entry}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cache/"+url.PathEscape(backend), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the cache state of a bundle.
func (c *Client) Status(ctx context.Context, backend, pointer string) (*protocol.CacheStatusResponse, error) {
	var out protocol.CacheStatusResponse
	path := "/api/v1/cache/" + url.PathEscape(backend) + "?" + bundleQuery(pointer, "")
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Invalidate drops a bundle from the server cache.
func (c *Client) Invalidate(ctx context.Context, backend, pointer string) error {
	path := "/api/v1/cache/" + url.PathEscape(backend) + "?" + bundleQuery(pointer, "")
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Prune removes entries of stale cache generations.
func (c *Client) Prune(ctx context.Context) (*protocol.PruneResponse, error) {
	var out protocol.PruneResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/cache/prune", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns cache statistics.
func (c *Client) Stats(ctx context.Context) (*protocol.CacheStatsResponse, error) {
	var out protocol.CacheStatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/cache/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Members returns the member tree of a bundle.
func (c *Client) Members(ctx context.Context, backend, pointer, entry string) (*protocol.MembersResponse, error) {
	var out protocol.MembersResponse
	path := "/api/v1/members/" + url.PathEscape(backend) + "?" + bundleQuery(pointer, entry)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Play fetches the rewritten entry document of a bundle. inline may be
// nil to use the server's policy for the backend.
func (c *Client) Play(ctx context.Context, backend, pointer, entry string, inline *bool) ([]byte, error) {
	q := bundleQuery(pointer, entry)
	if inline != nil {
		q += "&inline=" + strconv.FormatBool(*inline)
	}
	rc, _, err := c.get(ctx, "/api/v1/play/"+url.PathEscape(backend)+"?"+q)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// FetchAsset fetches a member through the proxied address space and
// returns its body and content type.
func (c *Client) FetchAsset(ctx context.Context, backend, backendPath string) (io.ReadCloser, string, error) {
	return c.get(ctx, "/bundles/"+url.PathEscape(backend)+"/"+backendPath)
}

func (c *Client) get(ctx context.Context, path string) (io.ReadCloser, string, error) {
	var reader io.ReadCloser
	var contentType string

	err := retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return apiError(resp)
		}

		contentType = resp.Header.Get("Content-Type")
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return err
			}
			reader = &gzipReadCloser{gr: gr, body: resp.Body}
		} else {
			reader = resp.Body
		}
		return nil
	})

	return reader, contentType, err
}

// PrewarmResult holds the outcome of caching one bundle.
type PrewarmResult struct {
	Pointer string
	Status  *protocol.CacheStatusResponse
	Err     error
}

// Prewarm caches several bundles concurrently. The channel is closed once
// every pointer has a result.
func (c *Client) Prewarm(ctx context.Context, backend string, pointers []string, maxConcurrent int) <-chan PrewarmResult {
	results := make(chan PrewarmResult, len(pointers))

	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	go func() {
		defer close(results)

		sem := make(chan struct{}, maxConcurrent)
		var wg sync.WaitGroup

		for _, p := range pointers {
			select {
			case <-ctx.Done():
				results <- PrewarmResult{Pointer: p, Err: ctx.Err()}
				continue
			default:
			}

			wg.Add(1)
			sem <- struct{}{}

			go func(pointer string) {
				defer wg.Done()
				defer func() { <-sem }()

				st, err := c.EnsureCached(ctx, backend, pointer, "")
				results <- PrewarmResult{Pointer: pointer, Status: st, Err: err}
			}(p)
		}

		wg.Wait()
	}()

	return results
}

type gzipReadCloser struct {
	gr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.body.Close()
}
