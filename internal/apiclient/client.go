// Package apiclient is the typed HTTP client for the runbox daemon API,
// shared by the CLI and the watch dashboard.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/controlplane"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/processor"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps HTTP calls to the runbox API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL. An empty apiKey sends no
// Authorization header.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er controlplane.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health checks the daemon. Unlike other calls it returns the parsed body
// even on a non-200 response, so callers can inspect it alongside the error.
func (c *Client) Health(ctx context.Context) (*controlplane.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("daemon unhealthy (%d): %s", resp.StatusCode, health.DB)
	}
	return &health, nil
}

// SubmitTask admits a task on behalf of req.Owner through the internal API.
func (c *Client) SubmitTask(ctx context.Context, req controlplane.StartRequest) (*controlplane.SubmitResponse, error) {
	var out controlplane.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/internal/tasks/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskQuery filters ListTasks. Zero values mean any.
type TaskQuery struct {
	Owner  string
	Status string
	Limit  int
}

func (q TaskQuery) encode() string {
	v := url.Values{}
	if q.Owner != "" {
		v.Set("owner", q.Owner)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// ListTasks returns tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.do(ctx, http.MethodGet, "/internal/tasks"+q.encode(), nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, "/internal/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskHistory fetches the decision records of a task.
func (c *Client) TaskHistory(ctx context.Context, id string) ([]models.PDREntry, error) {
	var entries []models.PDREntry
	if err := c.do(ctx, http.MethodGet, "/internal/tasks/"+url.PathEscape(id)+"/history", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CancelTask requests cancellation and returns the resulting status.
func (c *Client) CancelTask(ctx context.Context, id string) (*controlplane.CancelResponse, error) {
	var out controlplane.CancelResponse
	if err := c.do(ctx, http.MethodPost, "/internal/tasks/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkerStatus fetches the worker slot and queue snapshot.
func (c *Client) WorkerStatus(ctx context.Context) (*processor.WorkerStatus, error) {
	var st processor.WorkerStatus
	if err := c.do(ctx, http.MethodGet, "/internal/workers/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sandboxes lists platform-managed containers.
func (c *Client) Sandboxes(ctx context.Context) ([]connectors.ContainerInfo, error) {
	var out []connectors.ContainerInfo
	if err := c.do(ctx, http.MethodGet, "/internal/sandboxes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Usage lists usage records of every owner in period, or every period when
// period is empty.
func (c *Client) Usage(ctx context.Context, period string) ([]models.UsageRecord, error) {
	path := "/internal/usage"
	if period != "" {
		path += "?period=" + url.QueryEscape(period)
	}
	var out []models.UsageRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plan fetches an owner's subscription and effective plan.
func (c *Client) Plan(ctx context.Context, owner string) (*controlplane.PlanView, error) {
	var out controlplane.PlanView
	if err := c.do(ctx, http.MethodGet, "/internal/subscriptions/"+url.PathEscape(owner), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPlan upserts an owner's subscription.
func (c *Client) SetPlan(ctx context.Context, owner string, req controlplane.SubscriptionRequest) (*models.Subscription, error) {
	var out models.Subscription
	if err := c.do(ctx, http.MethodPut, "/internal/subscriptions/"+url.PathEscape(owner), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
