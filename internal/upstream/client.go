// Package upstream is the HTTP transport shared by the remote backends:
// the tree API, the raw-file host and the CDN mirror.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/metrics"
	"github.com/fruitsalade/bundleproxy/pkg/retry"
)

// Config holds client configuration.
type Config struct {
	// Name labels metrics and log lines, e.g. "treeapi" or "raw".
	Name        string
	Timeout     time.Duration
	RetryConfig retry.Config
	// Header is added to every request (authorization, accept).
	Header    http.Header
	UserAgent string
}

// Client performs GETs against one upstream collaborator. Non-2xx answers
// become *bundle.FetchError.
type Client struct {
	name        string
	httpClient  *http.Client
	retryConfig retry.Config
	header      http.Header
	userAgent   string
}

// New creates a new client. A zero RetryConfig means a single attempt.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
		cfg.RetryConfig.MaxAttempts = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "bundleproxy/1.0"
	}
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}

	return &Client{
		name: cfg.Name,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		header:      cfg.Header.Clone(),
		userAgent:   cfg.UserAgent,
	}
}

// Name returns the metrics label of the client.
func (c *Client) Name() string {
	return c.name
}

// Open issues a GET and returns the unbuffered body. The caller must close
// the stream body.
func (c *Client) Open(ctx context.Context, rawURL string) (*bundle.Stream, error) {
	resp, err := retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		return c.do(ctx, rawURL)
	})
	if err != nil {
		return nil, unwrapRetryable(err)
	}
	return &bundle.Stream{
		Body:        &countingBody{ReadCloser: resp.Body, name: c.name},
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// GetBytes issues a GET and buffers the body. It returns the upstream
// content-type header alongside the bytes.
func (c *Client) GetBytes(ctx context.Context, rawURL string) ([]byte, string, error) {
	type result struct {
		data []byte
		ct   string
	}
	res, err := retry.DoWithResult(ctx, c.retryConfig, func() (result, error) {
		resp, err := c.do(ctx, rawURL)
		if err != nil {
			return result{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		metrics.RecordUpstreamFetch(c.name, resp.StatusCode, int64(len(data)))
		if err != nil {
			return result{}, retry.Retryable(&bundle.FetchError{URL: rawURL, Status: resp.StatusCode, Err: err})
		}
		return result{data: data, ct: resp.Header.Get("Content-Type")}, nil
	})
	if err != nil {
		return nil, "", unwrapRetryable(err)
	}
	return res.data, res.ct, nil
}

// GetJSON issues a GET and decodes a JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	data, _, err := c.GetBytes(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return bundle.DecodeFailed(rawURL, err)
	}
	return nil
}

// do performs one attempt. Transport errors and 5xx/429 answers are
// marked retryable; other non-2xx answers are not.
func (c *Client) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &bundle.FetchError{URL: rawURL, Err: err}
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordUpstreamFetch(c.name, 0, 0)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.WithContext(ctx).Warn("upstream request failed",
			logging.String("upstream", c.name),
			logging.String("url", rawURL),
			logging.Err(err),
		)
		return nil, retry.Retryable(&bundle.FetchError{URL: rawURL, Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		metrics.RecordUpstreamFetch(c.name, resp.StatusCode, 0)
		logging.WithContext(ctx).Debug("upstream non-success status",
			logging.String("upstream", c.name),
			logging.String("url", rawURL),
			logging.Int("status", resp.StatusCode),
			logging.Duration("duration", time.Since(start)),
		)
		fe := &bundle.FetchError{URL: rawURL, Status: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.Retryable(fe)
		}
		return nil, fe
	}
	return resp, nil
}

func unwrapRetryable(err error) error {
	var re retry.RetryableError
	if errors.As(err, &re) {
		return re.Err
	}
	return err
}

// countingBody records streamed bytes once the body is closed.
type countingBody struct {
	io.ReadCloser
	name string
	n    int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	metrics.RecordUpstreamFetch(b.name, http.StatusOK, b.n)
	return b.ReadCloser.Close()
}

// JoinURL joins a base URL and a slash-separated path with exactly one "/".
func JoinURL(base, p string) string {
	switch {
	case base == "":
		return p
	case p == "":
		return base
	case base[len(base)-1] == '/' && p[0] == '/':
		return base + p[1:]
	case base[len(base)-1] != '/' && p[0] != '/':
		return base + "/" + p
	}
	return base + p
}

// EscapePath escapes each segment of a slash-separated member path for use
// in a URL.
func EscapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// Describe formats a fetch error for human-readable error documents.
func Describe(err error) string {
	if fe, ok := bundle.AsFetchError(err); ok && fe.Status > 0 {
		return fmt.Sprintf("upstream returned %d for %s", fe.Status, fe.URL)
	}
	return err.Error()
}
