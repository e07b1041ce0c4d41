package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/seantiz/relay/internal/model"
)

// SecretHeader carries the shared secret on lease acquisition.
const SecretHeader = "X-Relay-Secret"

// StatusError is a non-2xx answer from the commander.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("commander returned %d", e.Code)
	}
	return fmt.Sprintf("commander returned %d: %s", e.Code, e.Detail)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Commander is a typed client for the lease authority API.
type Commander struct {
	client *Client
	secret string
}

// NewCommander returns a client for the commander at baseURL. A non-empty
// secret is sent on acquisition.
func NewCommander(baseURL, secret string, opts ...Option) *Commander {
	return &Commander{client: New(baseURL, opts...), secret: secret}
}

// URL returns the commander base URL.
func (c *Commander) URL() string {
	return c.client.BaseURL()
}

// Acquire asks for the lease. A denial is a successful call; inspect
// the response status.
func (c *Commander) Acquire(ctx context.Context, req model.AcquireLeaseRequest) (*model.AcquireLeaseResponse, error) {
	var header http.Header
	if c.secret != "" {
		header = http.Header{SecretHeader: {c.secret}}
	}

	var out model.AcquireLeaseResponse
	if err := c.post(ctx, "/api/lease/acquire", req, header, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Renew extends the caller's lease.
func (c *Commander) Renew(ctx context.Context, req model.RenewLeaseRequest) (*model.RenewLeaseResponse, error) {
	var out model.RenewLeaseResponse
	if err := c.post(ctx, "/api/lease/renew", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Report sends a progress or terminal report for the run.
func (c *Commander) Report(ctx context.Context, req model.JobReportRequest) error {
	return c.post(ctx, "/api/job/report", req, nil, nil)
}

// Health checks that the commander is serving.
func (c *Commander) Health(ctx context.Context) error {
	var out model.OKResponse
	if err := c.get(ctx, "/api/health", &out); err != nil {
		return err
	}
	if !out.OK {
		return errors.New("commander reported unhealthy")
	}
	return nil
}

// Status fetches the commander's full state.
func (c *Commander) Status(ctx context.Context) (*model.CommanderState, error) {
	var out model.CommanderState
	if err := c.get(ctx, "/api/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Commander) post(ctx context.Context, path string, payload any, header http.Header, out any) error {
	resp, err := c.client.Post(ctx, path, payload, header)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *Commander) get(ctx context.Context, path string, out any) error {
	resp, err := c.client.Get(ctx, path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er model.ErrorResponse
		if json.Unmarshal(data, &er) != nil || er.Detail == "" {
			er.Detail = string(data)
		}
		return &StatusError{Code: resp.StatusCode, Detail: er.Detail}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}
