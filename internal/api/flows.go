package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/danpasecinic/execflow/internal/state"
	"github.com/danpasecinic/execflow/internal/types"
)

// CreateFlowRequest represents a request to register a flow.
type CreateFlowRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

// CreateFlowRunRequest represents a request to start a flow run.
type CreateFlowRunRequest struct {
	FlowID string `json:"flowId"`
	Name   string `json:"name,omitempty"`
}

// SetStateRequest represents a request to move a flow run to a new state.
type SetStateRequest struct {
	State types.RunState `json:"state"`
}

// CreateFlow handles POST /api/v1/flows.
// Registering an existing name returns the stored flow with 200.
func (s *Server) CreateFlow(c echo.Context) error {
	var req CreateFlowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	if existing, err := s.store.GetFlowByName(req.Name); err == nil {
		return c.JSON(http.StatusOK, existing)
	}

	flow := types.Flow{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Tags:      req.Tags,
		CreatedAt: s.now(),
	}
	if err := s.store.AddFlow(flow); err != nil {
		if errors.Is(err, state.ErrFlowAlreadyExists) {
			if existing, gerr := s.store.GetFlowByName(req.Name); gerr == nil {
				return c.JSON(http.StatusOK, existing)
			}
		}
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, flow)
}

// FilterFlows handles POST /api/v1/flows/filter.
// Returns flows ordered by creation time, then name.
func (s *Server) FilterFlows(c echo.Context) error {
	var filter types.FlowFilter
	if err := c.Bind(&filter); err != nil {
		return badRequest(c, "invalid filter")
	}

	flows, err := s.store.ReadFlows(filter)
	if err != nil {
		return s.fail(c, err)
	}
	if flows == nil {
		flows = []types.Flow{}
	}
	return c.JSON(http.StatusOK, flows)
}

// GetFlow handles GET /api/v1/flows/:id.
func (s *Server) GetFlow(c echo.Context) error {
	flow, err := s.store.GetFlow(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, flow)
}

// DeleteFlow handles DELETE /api/v1/flows/:id.
// Flow runs and task runs of the flow are removed with it.
func (s *Server) DeleteFlow(c echo.Context) error {
	if err := s.store.DeleteFlow(c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListFlowRuns handles GET /api/v1/flows/:id/flow_runs.
func (s *Server) ListFlowRuns(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetFlow(id); err != nil {
		return s.fail(c, err)
	}
	runs, err := s.store.ListFlowRuns(id)
	if err != nil {
		return s.fail(c, err)
	}
	if runs == nil {
		runs = []types.FlowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// CreateFlowRun handles POST /api/v1/flow_runs.
func (s *Server) CreateFlowRun(c echo.Context) error {
	var req CreateFlowRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.FlowID == "" {
		return badRequest(c, "flowId is required")
	}

	flow, err := s.store.GetFlow(req.FlowID)
	if err != nil {
		return s.fail(c, err)
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = flow.Name + "-" + id[:8]
	}
	run := types.FlowRun{
		ID:        id,
		FlowID:    flow.ID,
		Name:      name,
		State:     types.RunStatePending,
		CreatedAt: s.now(),
	}
	if err := s.store.AddFlowRun(run); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetFlowRun handles GET /api/v1/flow_runs/:id.
func (s *Server) GetFlowRun(c echo.Context) error {
	run, err := s.store.GetFlowRun(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListFlowRunTaskRuns handles GET /api/v1/flow_runs/:id/task_runs.
func (s *Server) ListFlowRunTaskRuns(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetFlowRun(id); err != nil {
		return s.fail(c, err)
	}
	runs, err := s.store.ListTaskRuns(types.TaskRunFilter{FlowRunID: id})
	if err != nil {
		return s.fail(c, err)
	}
	if runs == nil {
		runs = []types.TaskRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// SetFlowRunState handles PUT /api/v1/flow_runs/:id/state.
// Used by flow engines that drive their own run state.
func (s *Server) SetFlowRunState(c echo.Context) error {
	var req SetStateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	st, err := types.ParseRunState(string(req.State))
	if err != nil {
		return badRequest(c, err.Error())
	}

	now := s.now()
	update := state.FlowRunUpdate{State: &st}
	switch {
	case st == types.RunStateRunning:
		update.StartedAt = &now
	case st.IsTerminal():
		update.FinishedAt = &now
	}

	id := c.Param("id")
	if err := s.store.UpdateFlowRun(id, update); err != nil {
		return s.fail(c, err)
	}
	run, err := s.store.GetFlowRun(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
