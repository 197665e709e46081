// Package api exposes the coordinator and the metadata store over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/coordinator"
	"github.com/danpasecinic/execflow/internal/state"
)

// Server handles HTTP requests for the orchestration API.
type Server struct {
	store  state.StateStore
	coord  *coordinator.Coordinator
	logger *zap.Logger
	now    func() time.Time
}

// NewServer creates a new API server backed by store and coord.
func NewServer(store state.StateStore, coord *coordinator.Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:  store,
		coord:  coord,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers all API endpoints with the Echo router.
// Routes are grouped under /api/v1 for versioning.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	v1 := e.Group("/api/v1")

	// Flow routes
	v1.POST("/flows", s.CreateFlow)
	v1.POST("/flows/filter", s.FilterFlows)
	v1.GET("/flows/:id", s.GetFlow)
	v1.DELETE("/flows/:id", s.DeleteFlow)
	v1.GET("/flows/:id/flow_runs", s.ListFlowRuns)

	// Flow run routes
	v1.POST("/flow_runs", s.CreateFlowRun)
	v1.GET("/flow_runs/:id", s.GetFlowRun)
	v1.GET("/flow_runs/:id/task_runs", s.ListFlowRunTaskRuns)
	v1.PUT("/flow_runs/:id/state", s.SetFlowRunState)

	// Task run routes
	v1.POST("/task_runs", s.CreateTaskRun)
	v1.GET("/task_runs", s.ListTaskRuns)
	v1.GET("/task_runs/:id", s.GetTaskRun)
	v1.POST("/task_runs/:id/cancel", s.CancelTaskRun)
	v1.GET("/task_runs/:id/outcomes", s.ListOutcomes)

	// Job names are fully qualified and contain slashes.
	v1.DELETE("/jobs/*", s.DeleteJob)
}

// NewEcho returns an Echo instance with recovery, zap request logging, and
// the server's routes.
func NewEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogMethod:   true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				s.logger.Warn("Request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			s.logger.Debug("Request", fields...)
			return nil
		},
	}))

	s.RegisterRoutes(e)
	return e
}

// Health handles GET /health.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(
		http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "execflow",
			"backend": s.coord.Backend().Name(),
		},
	)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrAlreadyRunning),
		errors.Is(err, coordinator.ErrNotActive),
		errors.Is(err, state.ErrFlowAlreadyExists),
		errors.Is(err, state.ErrFlowRunAlreadyExists),
		errors.Is(err, state.ErrTaskRunAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, state.ErrFlowNotFound),
		errors.Is(err, state.ErrFlowRunNotFound),
		errors.Is(err, state.ErrTaskRunNotFound),
		backend.IsNotFound(err):
		return http.StatusNotFound
	case backend.IsConfiguration(err):
		return http.StatusUnprocessableEntity
	case backend.IsUnsupported(err):
		return http.StatusNotImplemented
	case backend.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusNotImplemented {
		s.logger.Error("Request error", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
