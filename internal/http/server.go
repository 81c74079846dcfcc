// Package http provides the HTTP API for stepwise.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepwise/internal/guardrail"
	"github.com/fyrsmithlabs/stepwise/internal/logging"
	"github.com/fyrsmithlabs/stepwise/internal/tasks"
	"github.com/fyrsmithlabs/stepwise/internal/tools"
)

// Server provides HTTP endpoints for stepwise.
type Server struct {
	echo      *echo.Echo
	tasks     *tasks.Manager
	guardrail func() *guardrail.Guardrail
	broker    *guardrail.Broker
	logger    *logging.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Deps are the components the API exposes.
type Deps struct {
	Tasks *tasks.Manager
	// Guardrail returns the guardrail used for dry runs. It is called per
	// request so a reloaded policy takes effect.
	Guardrail func() *guardrail.Guardrail
	// Broker answers confirmations. Nil when confirmations are automatic.
	Broker *guardrail.Broker
	// Gatherer backs GET /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	Metrics  *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task manager cannot be nil")
	}
	if deps.Guardrail == nil {
		return nil, fmt.Errorf("guardrail cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}

	s := &Server{
		echo:      e,
		tasks:     deps.Tasks,
		guardrail: deps.Guardrail,
		broker:    deps.Broker,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes(deps.Gatherer)

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmitTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleCancelTask)
	v1.POST("/dry-run", s.handleDryRun)
	v1.GET("/patterns", s.handlePatterns)
	v1.GET("/confirmations", s.handleListConfirmations)
	v1.POST("/confirmations/:id", s.handleResolveConfirmation)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmitTask(c echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid task request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Description) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description field is required")
	}

	id, err := s.tasks.Submit(req.Description)
	if err != nil {
		if errors.Is(err, tasks.ErrClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
		}
		return err
	}
	s.logger.Info(logging.WithTaskID(c.Request().Context(), id), "task submitted")
	return c.JSON(http.StatusAccepted, SubmitTaskResponse{ID: id, Status: string(tasks.StatusQueued)})
}

func (s *Server) handleListTasks(c echo.Context) error {
	list := s.tasks.List()
	if list == nil {
		list = []tasks.Info{}
	}
	return c.JSON(http.StatusOK, ListTasksResponse{Tasks: list})
}

func (s *Server) handleGetTask(c echo.Context) error {
	snap, err := s.tasks.Get(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	id := c.Param("id")
	if err := s.tasks.Cancel(id); err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusAccepted, SubmitTaskResponse{ID: id, Status: "canceling"})
}

func taskError(err error) error {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, tasks.ErrFinished):
		return echo.NewHTTPError(http.StatusConflict, "task already finished")
	default:
		return err
	}
}

func (s *Server) handleDryRun(c echo.Context) error {
	var req DryRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Tool == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool field is required")
	}

	op := tools.OperationForCall("dry-run-"+uuid.NewString()[:8], req.call())
	return c.JSON(http.StatusOK, s.guardrail().DryRun(op))
}

func (s *Server) handlePatterns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.guardrail().Patterns())
}

func (s *Server) handleListConfirmations(c echo.Context) error {
	if s.broker == nil {
		return c.JSON(http.StatusOK, ListConfirmationsResponse{Confirmations: []guardrail.ConfirmationRequest{}})
	}
	pending := s.broker.Pending()
	if pending == nil {
		pending = []guardrail.ConfirmationRequest{}
	}
	return c.JSON(http.StatusOK, ListConfirmationsResponse{Confirmations: pending})
}

func (s *Server) handleResolveConfirmation(c echo.Context) error {
	if s.broker == nil {
		return echo.NewHTTPError(http.StatusNotFound, "confirmations are answered automatically")
	}
	var req ResolveConfirmationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := req.response()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id := c.Param("id")
	if err := s.broker.Resolve(id, resp); err != nil {
		if errors.Is(err, guardrail.ErrUnknownConfirmation) {
			return echo.NewHTTPError(http.StatusNotFound, "confirmation not pending")
		}
		return err
	}
	s.logger.Info(c.Request().Context(), "confirmation resolved",
		zap.String("confirmation.id", id),
		zap.String("option", string(resp.Option)),
		zap.String("responder", resp.Responder),
	)
	return c.NoContent(http.StatusNoContent)
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
