// Package http serves the forgeline run API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/orchestrator"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
)

// Runs is the orchestrator surface the API drives.
type Runs interface {
	Submit(ctx context.Context, task pipeline.Task) (string, error)
	Status(ctx context.Context, runID string) (runstore.Run, error)
	Cancel(runID string) error
	Active() []string
}

// History reads finished and running runs from the run store.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]runstore.Run, error)
	Results(ctx context.Context, runID string) ([]pipeline.StageResult, error)
	Events(ctx context.Context, runID string) ([]events.TraceEvent, error)
}

// Server provides HTTP endpoints for forgeline.
type Server struct {
	echo        *echo.Echo
	runs        Runs
	history     History
	broadcaster *events.Broadcaster
	logger      *logging.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// StreamBuffer is the per-subscriber event buffer of run streams.
	StreamBuffer int
}

const defaultListLimit = 50

// NewServer creates a new HTTP server. broadcaster may be nil, in which case
// run streams replay the stored trace and close.
func NewServer(runs Runs, history History, broadcaster *events.Broadcaster, logger *logging.Logger, cfg *Config) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("runs cannot be nil")
	}
	if history == nil {
		return nil, fmt.Errorf("history cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:        e,
		runs:        runs,
		history:     history,
		broadcaster: broadcaster,
		logger:      logger,
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit)
	v1.GET("/runs", s.handleList)
	v1.GET("/runs/:id", s.handleStatus)
	v1.GET("/runs/:id/trace", s.handleTrace)
	v1.GET("/runs/:id/stream", s.handleStream)
	v1.DELETE("/runs/:id", s.handleCancel)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    s.config.Version,
		ActiveRuns: len(s.runs.Active()),
	})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task := pipeline.Task{Goal: req.Goal, AcceptanceCriteria: req.AcceptanceCriteria}
	if err := task.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := s.runs.Submit(c.Request().Context(), task)
	if errors.Is(err, orchestrator.ErrClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+id)
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: id})
}

func (s *Server) handleList(c echo.Context) error {
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}
	runs, err := s.history.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{Runs: runs})
}

func (s *Server) handleStatus(c echo.Context) error {
	run, err := s.runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleTrace(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	run, err := s.runs.Status(ctx, id)
	if err != nil {
		return notFoundOr(err)
	}
	evs, err := s.history.Events(ctx, id)
	if err != nil {
		return err
	}
	results, err := s.history.Results(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TraceResponse{Run: run, Events: evs, Results: results})
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.runs.Cancel(id); err != nil {
		return notFoundOr(err)
	}
	s.logger.Info(c.Request().Context(), "run cancel requested", zap.String("run_id", id))
	return c.JSON(http.StatusAccepted, CancelResponse{RunID: id, Cancelled: true})
}

func notFoundOr(err error) error {
	if errors.Is(err, orchestrator.ErrRunNotFound) || errors.Is(err, runstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return err
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
