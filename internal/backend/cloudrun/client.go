package cloudrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/types"
)

// Client is a minimal REST client for the jobs and executions collections of
// the Cloud Run Admin API v2.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for endpoint.
func NewClient(endpoint, token string, httpClient *http.Client) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// GetJob fetches a job by its fully-qualified name.
func (c *Client) GetJob(ctx context.Context, name string) (*types.Job, error) {
	var res jobResource
	if err := c.do(ctx, "jobs.get", http.MethodGet, name, nil, nil, &res); err != nil {
		return nil, err
	}
	return res.toJob(), nil
}

// CreateJob creates jobID under parent. The returned operation is not awaited;
// callers poll GetJob for readiness.
func (c *Client) CreateJob(ctx context.Context, parent, jobID string, body jobRequest) error {
	q := url.Values{"jobId": {jobID}}
	return c.do(ctx, "jobs.create", http.MethodPost, parent+"/jobs", q, body, nil)
}

// DeleteJob deletes a job. Child executions must be deleted first.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	return c.do(ctx, "jobs.delete", http.MethodDelete, name, nil, nil, nil)
}

// RunJob triggers a new execution of a job and returns it.
func (c *Client) RunJob(ctx context.Context, name string) (*types.Execution, error) {
	var op operation
	if err := c.do(ctx, "jobs.run", http.MethodPost, name+":run", nil, struct{}{}, &op); err != nil {
		return nil, err
	}
	if op.Error != nil {
		return nil, &backend.Error{
			Op: "jobs.run", Backend: backend.TypeCloudRun.String(), Resource: name,
			StatusCode: op.Error.Code, Err: fmt.Errorf("operation failed: %s", op.Error.Message),
		}
	}
	if op.Metadata == nil || op.Metadata.Name == "" {
		return nil, &backend.Error{
			Op: "jobs.run", Backend: backend.TypeCloudRun.String(), Resource: name,
			Err: backend.Transient(fmt.Errorf("operation %s has no execution metadata", op.Name)),
		}
	}
	return op.Metadata.toExecution(), nil
}

// GetExecution fetches an execution by its fully-qualified name.
func (c *Client) GetExecution(ctx context.Context, name string) (*types.Execution, error) {
	var res executionResource
	if err := c.do(ctx, "executions.get", http.MethodGet, name, nil, nil, &res); err != nil {
		return nil, err
	}
	return res.toExecution(), nil
}

// ListExecutions returns every execution of a job, following pagination.
func (c *Client) ListExecutions(ctx context.Context, jobName string) ([]types.Execution, error) {
	var out []types.Execution
	pageToken := ""
	for {
		q := url.Values{}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page listExecutionsResponse
		if err := c.do(ctx, "executions.list", http.MethodGet, jobName+"/executions", q, nil, &page); err != nil {
			return nil, err
		}
		for _, res := range page.Executions {
			out = append(out, *res.toExecution())
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// DeleteExecution deletes one execution.
func (c *Client) DeleteExecution(ctx context.Context, name string) error {
	return c.do(ctx, "executions.delete", http.MethodDelete, name, nil, nil, nil)
}

// CancelExecution asks the backend to stop a running execution.
func (c *Client) CancelExecution(ctx context.Context, name string) error {
	return c.do(ctx, "executions.cancel", http.MethodPost, name+":cancel", nil, struct{}{}, nil)
}

func (c *Client) do(
	ctx context.Context, op, method, resource string, query url.Values, in, out any,
) error {
	u := c.endpoint + "/v2/" + resource
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.wrap(op, resource, 0, backend.Transient(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.wrap(op, resource, resp.StatusCode, statusError(resp))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.wrap(op, resource, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) wrap(op, resource string, code int, err error) error {
	return &backend.Error{
		Op:         op,
		Backend:    backend.TypeCloudRun.String(),
		Resource:   resource,
		StatusCode: code,
		Err:        err,
	}
}

// statusError maps an HTTP error response onto the backend sentinels.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	detail := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", backend.ErrNotFound, detail)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %w", backend.ErrAlreadyExists, detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return backend.Transient(detail)
	default:
		return detail
	}
}
