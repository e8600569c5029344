// Package http provides the HTTP API for recalld.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/fyrsmithlabs/recalld/internal/orchestrator"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ContextAssembler produces context for a turn. orchestrator.Orchestrator
// satisfies it.
type ContextAssembler interface {
	Assemble(ctx context.Context, turn strategy.ConversationTurn) orchestrator.Result
}

// MemoryWriter stores memories for the user bound to ctx.
type MemoryWriter interface {
	Add(ctx context.Context, text string, metadata map[string]interface{}) (string, error)
}

// Narratives is the narrative cache administration surface.
type Narratives interface {
	Inspect(ctx context.Context, userID string) (*narrative.NarrativeEntry, narrative.FreshnessState, error)
	InFlight(userID string) bool
	Invalidate(ctx context.Context, userID string) error
	ScheduleRefresh(ctx context.Context, jc identity.JobContext, snapshot []memorystore.MemoryRecord) bool
}

// Deps are the collaborators behind the API.
type Deps struct {
	Assembler  ContextAssembler
	Memories   MemoryWriter
	Narratives Narratives
}

// Server provides HTTP endpoints for recalld.
type Server struct {
	echo       *echo.Echo
	assembler  ContextAssembler
	memories   MemoryWriter
	narratives Narratives
	metrics    *HTTPMetrics
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// MeterProvider receives the request metrics. Nil uses the global
	// provider.
	MeterProvider metric.MeterProvider
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Assembler == nil {
		return nil, fmt.Errorf("assembler cannot be nil")
	}
	if deps.Memories == nil {
		return nil, fmt.Errorf("memory writer cannot be nil")
	}
	if deps.Narratives == nil {
		return nil, fmt.Errorf("narratives cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		assembler:  deps.Assembler,
		memories:   deps.Memories,
		narratives: deps.Narratives,
		metrics:    NewHTTPMetrics(cfg.MeterProvider, logger),
		logger:     logger,
		config:     cfg,
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()

	return s, nil
}

// requestContext copies the request id into the request context so domain
// logs carry it.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/context", s.handleContext)
	v1.POST("/memories", s.handleRemember)
	v1.GET("/narratives/:user", s.handleGetNarrative)
	v1.DELETE("/narratives/:user", s.handleDeleteNarrative)
	v1.POST("/narratives/:user/refresh", s.handleRefreshNarrative)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleContext assembles context for a turn. It answers 200 even when
// assembly degraded to an empty context.
func (s *Server) handleContext(c echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid context request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	jc := identity.JobContext{UserID: req.UserID, ClientID: req.ClientID}
	if err := jc.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DeadlineMS < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "deadline_ms cannot be negative")
	}

	ctx := c.Request().Context()
	if req.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	res := s.assembler.Assemble(ctx, strategy.ConversationTurn{
		UserID:               req.UserID,
		ClientID:             req.ClientID,
		Text:                 req.Text,
		IsFirstTurnOfSession: req.FirstTurn,
	})

	tiers := make([]string, len(res.Tried))
	for i, t := range res.Tried {
		tiers[i] = string(t)
	}
	return c.JSON(http.StatusOK, ContextResponse{
		Context:   res.Context,
		Strategy:  string(res.Strategy),
		Tiers:     tiers,
		Persisted: res.Persisted,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleRemember(c echo.Context) error {
	var req RememberRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid remember request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	jc := identity.JobContext{UserID: req.UserID, ClientID: req.ClientID}
	if err := jc.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := identity.WithJobContext(c.Request().Context(), jc)
	id, err := s.memories.Add(ctx, req.Text, req.Metadata)
	if err != nil {
		return s.storeError(c, "storing memory", err)
	}
	return c.JSON(http.StatusCreated, RememberResponse{ID: id})
}

func (s *Server) handleGetNarrative(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil {
		return err
	}

	entry, state, err := s.narratives.Inspect(c.Request().Context(), userID)
	if err != nil {
		return s.storeError(c, "reading narrative", err)
	}

	resp := NarrativeResponse{
		UserID:     userID,
		State:      string(state),
		Refreshing: s.narratives.InFlight(userID),
	}
	if entry == nil {
		return c.JSON(http.StatusNotFound, resp)
	}
	generated := entry.GeneratedAt
	resp.Content = entry.Content
	resp.GeneratedAt = &generated
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteNarrative(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil {
		return err
	}
	if err := s.narratives.Invalidate(c.Request().Context(), userID); err != nil {
		return s.storeError(c, "deleting narrative", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleRefreshNarrative schedules a refresh from the user's newest
// memories. client_id is an optional query parameter.
func (s *Server) handleRefreshNarrative(c echo.Context) error {
	userID, err := userParam(c)
	if err != nil {
		return err
	}
	jc := identity.JobContext{UserID: userID, ClientID: c.QueryParam("client_id")}
	if err := jc.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	scheduled := s.narratives.ScheduleRefresh(c.Request().Context(), jc, nil)
	return c.JSON(http.StatusAccepted, RefreshResponse{Scheduled: scheduled})
}

func userParam(c echo.Context) (string, error) {
	userID := c.Param("user")
	if err := (identity.JobContext{UserID: userID}).Validate(); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return userID, nil
}

// storeError maps backend failures to a status. Transient failures are
// retryable by the client.
func (s *Server) storeError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, identity.ErrInvalidIdentity):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case rerrors.IsTransient(err):
		s.logger.Warn(op+" failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, op+" failed, retry later")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
