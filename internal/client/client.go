// Package client talks to the lease authority over HTTP, retrying transient
// failures with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultAttempts   = 5
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultTimeout    = 15 * time.Second

	// maxErrorBody bounds how much of a failed response is kept as the cause.
	maxErrorBody = 4 << 10
)

// RequestError is returned when every attempt failed with a transport error
// or a server-side (5xx) response. Err is the last underlying cause.
type RequestError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithAttempts sets the total number of attempts, including the first.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.http.RetryMax = n - 1
	}
}

// WithBackoff sets the base delay; each retry doubles it up to max.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = base
		c.http.RetryWaitMax = max
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.HTTPClient.Timeout = d }
}

// WithLogger routes retry diagnostics to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.http.Logger = logger }
}

// Client posts JSON to a base URL.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New returns a client for baseURL with the default retry policy: five
// attempts, backoff doubling from one second, fifteen second timeout.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = defaultAttempts - 1
	rc.RetryWaitMin = defaultBackoff
	rc.RetryWaitMax = defaultMaxBackoff
	rc.HTTPClient.Timeout = defaultTimeout
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = giveUp

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the URL every path is resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Post sends payload as JSON to path. Responses below 500 are returned as-is
// for the caller to interpret; the caller must close the body.
func (c *Client) Post(ctx context.Context, path string, payload any, header http.Header) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, body, header)
}

// Get issues a GET to path with the same retry policy as Post.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	url := c.baseURL + path

	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.URL == "" {
			reqErr.URL = url
		}
		return nil, err
	}
	return resp, nil
}

// retryPolicy retries transport errors and 5xx responses only.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode >= http.StatusInternalServerError, nil
}

// giveUp converts the final failed attempt into a RequestError.
func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	url := ""
	if resp != nil {
		if resp.Request != nil {
			url = resp.Request.URL.String()
		}
		if err == nil {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			err = fmt.Errorf("server error %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		}
		resp.Body.Close()
	}
	if err == nil {
		err = errors.New("no response")
	}
	return nil, &RequestError{URL: url, Attempts: attempts, Err: err}
}
