// Package client is the Go client for the execflow orchestration API.
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
	"strings"
	"time"

	"github.com/danpasecinic/execflow/internal/config"
	"github.com/danpasecinic/execflow/internal/coordinator"
	"github.com/danpasecinic/execflow/internal/types"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	return statusOf(err) == http.StatusConflict
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client talks to one orchestration server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for settings.ServerURL.
func New(settings config.Settings) *Client {
	return &Client{
		baseURL: strings.TrimRight(settings.ServerURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FromActive creates a client for the process-wide settings.
func FromActive() *Client {
	return New(config.Active())
}

// BaseURL returns the server URL the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", strings.ToLower(method), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateFlow registers a flow, or returns the existing one with that name.
func (c *Client) CreateFlow(ctx context.Context, name string, tags []string) (*types.Flow, error) {
	var flow types.Flow
	body := map[string]any{"name": name, "tags": tags}
	if err := c.do(ctx, http.MethodPost, "/api/v1/flows", body, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// ReadFlows returns flows matching filter, ordered by creation time.
func (c *Client) ReadFlows(ctx context.Context, filter types.FlowFilter) ([]types.Flow, error) {
	var flows []types.Flow
	if err := c.do(ctx, http.MethodPost, "/api/v1/flows/filter", filter, &flows); err != nil {
		return nil, err
	}
	return flows, nil
}

// GetFlow retrieves a flow by ID.
func (c *Client) GetFlow(ctx context.Context, id string) (*types.Flow, error) {
	var flow types.Flow
	if err := c.do(ctx, http.MethodGet, "/api/v1/flows/"+url.PathEscape(id), nil, &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// DeleteFlow deletes a flow with its runs.
func (c *Client) DeleteFlow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/flows/"+url.PathEscape(id), nil, nil)
}

// CreateFlowRun starts a flow run. An empty name is generated by the server.
func (c *Client) CreateFlowRun(ctx context.Context, flowID, name string) (*types.FlowRun, error) {
	var run types.FlowRun
	body := map[string]string{"flowId": flowID, "name": name}
	if err := c.do(ctx, http.MethodPost, "/api/v1/flow_runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListFlowRuns lists the runs of a flow.
func (c *Client) ListFlowRuns(ctx context.Context, flowID string) ([]types.FlowRun, error) {
	var runs []types.FlowRun
	if err := c.do(ctx, http.MethodGet, "/api/v1/flows/"+url.PathEscape(flowID)+"/flow_runs", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetFlowRun retrieves a flow run by ID.
func (c *Client) GetFlowRun(ctx context.Context, id string) (*types.FlowRun, error) {
	var run types.FlowRun
	if err := c.do(ctx, http.MethodGet, "/api/v1/flow_runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SetFlowRunState moves a flow run to st.
func (c *Client) SetFlowRunState(ctx context.Context, id string, st types.RunState) (*types.FlowRun, error) {
	var run types.FlowRun
	body := map[string]types.RunState{"state": st}
	if err := c.do(ctx, http.MethodPut, "/api/v1/flow_runs/"+url.PathEscape(id)+"/state", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SubmitTaskRun submits a task run.
func (c *Client) SubmitTaskRun(ctx context.Context, req coordinator.SubmitRequest) (*types.TaskRun, error) {
	var run types.TaskRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/task_runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTaskRuns lists task runs matching filter.
func (c *Client) ListTaskRuns(ctx context.Context, filter types.TaskRunFilter) ([]types.TaskRun, error) {
	q := url.Values{}
	if filter.FlowRunID != "" {
		q.Set("flow_run_id", filter.FlowRunID)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		q.Set("state", strings.Join(states, ","))
	}
	path := "/api/v1/task_runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []types.TaskRun
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetTaskRun retrieves a task run by ID.
func (c *Client) GetTaskRun(ctx context.Context, id string) (*types.TaskRun, error) {
	var run types.TaskRun
	if err := c.do(ctx, http.MethodGet, "/api/v1/task_runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelTaskRun requests cancellation and returns the task run as it is now.
func (c *Client) CancelTaskRun(ctx context.Context, id string) (*types.TaskRun, error) {
	var run types.TaskRun
	if err := c.do(ctx, http.MethodPost, "/api/v1/task_runs/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListOutcomes returns the recorded outcomes of a task run.
func (c *Client) ListOutcomes(ctx context.Context, id string) ([]types.Outcome, error) {
	var outcomes []types.Outcome
	if err := c.do(ctx, http.MethodGet, "/api/v1/task_runs/"+url.PathEscape(id)+"/outcomes", nil, &outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// DeleteJob deletes a backend job by its fully-qualified name.
func (c *Client) DeleteJob(ctx context.Context, jobName string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+strings.TrimLeft(jobName, "/"), nil, nil)
}
