// Package sdk is the Go client for the segid daemon HTTP API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"segid"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	base string
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New builds a client for a daemon base URL such as
// "http://127.0.0.1:8680".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate issues a batch of IDs.
func (c *Client) Generate(ctx context.Context, req segid.GenerateRequest) (*segid.GenerateResponse, error) {
	var resp segid.GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/id/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Single issues one ID with default options.
func (c *Client) Single(ctx context.Context, businessType, timeKey string) (int64, error) {
	q := url.Values{}
	if timeKey != "" {
		q.Set("time_key", timeKey)
	}
	path := "/api/id/single/" + url.PathEscape(businessType)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp segid.GenerateResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	if len(resp.IDs) != 1 {
		return 0, fmt.Errorf("daemon returned %d ids, want 1", len(resp.IDs))
	}
	return resp.IDs[0], nil
}

// Status fetches the daemon's self-report.
func (c *Client) Status(ctx context.Context) (*segid.Status, error) {
	var status segid.Status
	if err := c.do(ctx, http.MethodGet, "/api/id/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Healthy reports whether the daemon answers its health probe.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/id/health", nil, nil)
}

// CleanExpired deletes segments with a dated time key older than cutoff.
func (c *Client) CleanExpired(ctx context.Context, cutoff string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	path := "/api/id/segments/expired/" + url.PathEscape(cutoff)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// ChangeStep previews or applies a step-size change.
func (c *Client) ChangeStep(ctx context.Context, businessType, timeKey string, newStep int, preview bool) (*segid.StepChangeReport, error) {
	body := map[string]any{
		"business_type": businessType,
		"time_key":      timeKey,
		"new_step_size": newStep,
		"preview":       preview,
	}
	var report segid.StepChangeReport
	if err := c.do(ctx, http.MethodPost, "/api/id/admin/step-size/change", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ForceGlobalSync applies one step size to every business type.
func (c *Client) ForceGlobalSync(ctx context.Context, newStep int) (*segid.StepChangeReport, error) {
	body := map[string]int{"new_step_size": newStep}
	var report segid.StepChangeReport
	if err := c.do(ctx, http.MethodPost, "/api/id/admin/step-size/force-sync", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// StepSizes fetches the current step-size distribution.
func (c *Client) StepSizes(ctx context.Context) (*segid.StepSizeReport, error) {
	var report segid.StepSizeReport
	if err := c.do(ctx, http.MethodGet, "/api/id/admin/step-size/current", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// CheckConsistency reports step-size consistency for one business type.
func (c *Client) CheckConsistency(ctx context.Context, businessType string) (*segid.ConsistencyReport, error) {
	path := "/api/id/admin/step-size/consistency?business_type=" + url.QueryEscape(businessType)
	var report segid.ConsistencyReport
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// CheckGlobalConsistency reports step-size consistency across all
// business types.
func (c *Client) CheckGlobalConsistency(ctx context.Context) (*segid.GlobalConsistencyReport, error) {
	var report segid.GlobalConsistencyReport
	if err := c.do(ctx, http.MethodGet, "/api/id/admin/step-size/consistency", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// RecoverRefresh force-clears stuck refresh flags.
func (c *Client) RecoverRefresh(ctx context.Context) (*segid.RecoverReport, error) {
	var report segid.RecoverReport
	if err := c.do(ctx, http.MethodPost, "/api/id/admin/refresh/recover", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ResolveConflicts rewrites parity-corrupt segment rows.
func (c *Client) ResolveConflicts(ctx context.Context) (*segid.ConflictReport, error) {
	var report segid.ConflictReport
	if err := c.do(ctx, http.MethodPost, "/api/id/admin/conflicts/resolve", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// AbandonProxies drops proxied intervals after the peer returns.
func (c *Client) AbandonProxies(ctx context.Context) (*segid.AbandonReport, error) {
	var report segid.AbandonReport
	if err := c.do(ctx, http.MethodPost, "/api/id/admin/proxy/abandon", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ProxyStatus fetches the node's take-over state.
func (c *Client) ProxyStatus(ctx context.Context) (*segid.ProxyStatus, error) {
	var status segid.ProxyStatus
	if err := c.do(ctx, http.MethodGet, "/api/id/admin/proxy/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (%s): %w", strconv.Itoa(resp.StatusCode), err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
