// Package client is a Go client for the gpud job API.
package client

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
	"strings"
	"time"
)

// SubmitRequest describes a job to submit.
type SubmitRequest struct {
	Type      string       `json:"type,omitempty"`
	Priority  string       `json:"priority,omitempty"`
	Queue     *uint32      `json:"queue,omitempty"`
	Payload   []uint32     `json:"payload"`
	Fence     *FenceTarget `json:"fence,omitempty"`
	Deps      []uint64     `json:"deps,omitempty"`
	TimeoutMs int64        `json:"timeoutMs,omitempty"`
}

// FenceTarget asks the device to store Value at Addr when the job finishes.
type FenceTarget struct {
	Addr  uint32 `json:"addr"`
	Value uint32 `json:"value"`
}

// JobStatus is the server's view of a job.
type JobStatus struct {
	ID          uint64        `json:"id"`
	Type        string        `json:"type"`
	Priority    string        `json:"priority"`
	Queue       uint32        `json:"queue"`
	State       string        `json:"state"`
	Result      string        `json:"result"`
	Seqno       uint32        `json:"seqno,omitempty"`
	Deps        []uint64      `json:"deps,omitempty"`
	SubmittedAt time.Time     `json:"submittedAt"`
	StartedAt   time.Time     `json:"startedAt,omitempty"`
	EndedAt     time.Time     `json:"endedAt,omitempty"`
	Runtime     time.Duration `json:"runtime,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool {
	switch s.State {
	case "completed", "aborted", "timed_out":
		return true
	}
	return false
}

// APIError is returned for every non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gpud: %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether err is an API error the server marked
// retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// Client talks to one gpud instance.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new Client. A nil http.Client uses
// http.DefaultClient.
func NewClient(baseURL string, client *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

// Submit queues a job and returns its ID.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (uint64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}
	var out struct {
		ID uint64 `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// Get returns a job's status without waiting.
func (c *Client) Get(ctx context.Context, id uint64) (JobStatus, error) {
	var st JobStatus
	_, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+strconv.FormatUint(id, 10), nil, &st)
	return st, err
}

// Wait blocks on the server for up to timeout. The returned status may not
// be terminal when the timeout elapses; check Done.
func (c *Client) Wait(ctx context.Context, id uint64, timeout time.Duration) (JobStatus, error) {
	var st JobStatus
	path := fmt.Sprintf("/v1/jobs/%d?timeout=%s", id, url.QueryEscape(timeout.String()))
	_, err := c.do(ctx, http.MethodGet, path, nil, &st)
	return st, err
}

// Cancel removes a job that has not started.
func (c *Client) Cancel(ctx context.Context, id uint64) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+strconv.FormatUint(id, 10), nil, nil)
	return err
}

// Stats returns the raw engine statistics document.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	_, err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

// Health returns the raw health report. An unhealthy device is not an
// error; the report says so.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	code, err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out)
	if code == http.StatusServiceUnavailable && out != nil {
		return out, nil
	}
	return out, err
}

// Reset asks the server to reset the device. It reports whether this call
// started the reset.
func (c *Client) Reset(ctx context.Context) (bool, error) {
	var out struct {
		Started bool `json:"started"`
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/reset", nil, &out)
	return out.Started, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			if raw, ok := out.(*json.RawMessage); ok {
				*raw = data
			}
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
