package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/danpasecinic/execflow/internal/coordinator"
	"github.com/danpasecinic/execflow/internal/types"
)

// CreateTaskRun handles POST /api/v1/task_runs.
// Submits the definition through the coordinator and returns the task run
// with its first execution attached.
func (s *Server) CreateTaskRun(c echo.Context) error {
	var req coordinator.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	run, err := s.coord.Submit(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// ListTaskRuns handles GET /api/v1/task_runs.
// Optional query parameters: flow_run_id, and state as a comma-separated list.
func (s *Server) ListTaskRuns(c echo.Context) error {
	filter := types.TaskRunFilter{FlowRunID: c.QueryParam("flow_run_id")}
	if raw := c.QueryParam("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := types.ParseRunState(part)
			if err != nil {
				return badRequest(c, err.Error())
			}
			filter.States = append(filter.States, st)
		}
	}

	runs, err := s.store.ListTaskRuns(filter)
	if err != nil {
		return s.fail(c, err)
	}
	if runs == nil {
		runs = []types.TaskRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetTaskRun handles GET /api/v1/task_runs/:id.
func (s *Server) GetTaskRun(c echo.Context) error {
	run, err := s.store.GetTaskRun(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelTaskRun handles POST /api/v1/task_runs/:id/cancel.
// The cancel is advisory, so the response is 202 with the current task run.
func (s *Server) CancelTaskRun(c echo.Context) error {
	id := c.Param("id")
	if err := s.coord.Cancel(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	run, err := s.store.GetTaskRun(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// ListOutcomes handles GET /api/v1/task_runs/:id/outcomes.
func (s *Server) ListOutcomes(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetTaskRun(id); err != nil {
		return s.fail(c, err)
	}
	outcomes, err := s.store.ListOutcomes(id)
	if err != nil {
		return s.fail(c, err)
	}
	if outcomes == nil {
		outcomes = []types.Outcome{}
	}
	return c.JSON(http.StatusOK, outcomes)
}

// DeleteJob handles DELETE /api/v1/jobs/*.
// Deletes the backend job and its executions.
func (s *Server) DeleteJob(c echo.Context) error {
	if err := s.coord.DeleteJob(c.Request().Context(), c.Param("*")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
