// Package http exposes the orchestration engine over HTTP with
// server-sent event streams.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/engine"
	"github.com/fyrsmithlabs/forged/internal/eventbus"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/reaper"
	"github.com/fyrsmithlabs/forged/internal/sanitize"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// Engine is the orchestration surface served over HTTP.
type Engine interface {
	CreateSession(ctx context.Context, ownerID, scopeID string, requested session.Config) (string, session.Config, error)
	SendPrompt(ctx context.Context, sessionID, prompt string) (*engine.Stream, error)
	SubmitBatch(ctx context.Context, sessionID string, tasks []engine.Task) (*engine.BatchStream, error)
	CloseSession(ctx context.Context, sessionID string) (session.Snapshot, error)
	GetStatus(ctx context.Context, sessionID string) (session.Status, error)
	Events(ctx context.Context, sessionID string, afterSeq uint64) ([]session.GenerationEvent, error)
	Quota(ctx context.Context, ownerID string) (ledger.Entry, error)
}

// Sweeper runs a single reaper pass on demand.
type Sweeper interface {
	SweepOnce(ctx context.Context) reaper.SweepResult
}

// Config holds HTTP server configuration.
type Config struct {
	Host              string
	Port              int
	HeartbeatInterval time.Duration
}

// Server provides the forged HTTP API.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	sweeper Sweeper
	bus     *eventbus.Bus
	metrics *HTTPMetrics
	logger  *logging.Logger
	config  *Config
	live    func() int
}

// Option configures a Server.
type Option func(*Server)

// WithSweeper enables POST /api/v1/admin/reap.
func WithSweeper(sw Sweeper) Option {
	return func(s *Server) { s.sweeper = sw }
}

// WithEventBus enables live following on the events endpoint.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithMetrics sets the request metrics middleware.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSessionCount reports the number of registered sessions on /health.
func WithSessionCount(fn func() int) Option {
	return func(s *Server) { s.live = fn }
}

// NewServer creates a new HTTP server.
func NewServer(eng Engine, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:              "localhost",
			Port:              9191,
			HeartbeatInterval: 15 * time.Second,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger.Named("http"),
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request id into the request context and logs the
// request once the handler returns. Handler errors are rendered here so the
// logged and measured status is the one sent.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))

		if err := next(c); err != nil {
			c.Error(err)
		}

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// requireOwner validates the owner header and carries it on the context.
func (s *Server) requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(OwnerHeader)
		if err := sanitize.ValidateOwnerID(owner); err != nil {
			return session.NewError(session.KindValidation, OwnerHeader+" header is invalid", err)
		}
		c.Set(ownerKey, owner)
		c.SetRequest(c.Request().WithContext(logging.WithOwnerID(c.Request().Context(), owner)))
		return next(c)
	}
}

const ownerKey = "forged.owner"

func ownerOf(c echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.requireOwner)
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleCloseSession)
	v1.POST("/sessions/:id/prompts", s.handlePrompt)
	v1.POST("/sessions/:id/batches", s.handleBatch)
	v1.GET("/sessions/:id/events", s.handleEvents)
	v1.GET("/owners/:owner/quota", s.handleQuota)
	v1.POST("/admin/reap", s.handleReap)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.live != nil {
		resp.Sessions = s.live()
	}
	return c.JSON(http.StatusOK, resp)
}

// Echo returns the underlying echo instance for mounting extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
