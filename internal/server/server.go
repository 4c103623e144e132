// Package server exposes the knowd HTTP API: task lifecycle, container
// store access, semantic search, and contribution submission.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/contribution"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/task"
)

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// ServiceName is reported by the health endpoint.
	ServiceName string
}

// Deps are the subsystems the handlers call into.
type Deps struct {
	Store    *store.Store
	Embedder embeddings.Embedder
	Tasks    *task.Manager
	Contrib  *contribution.Pipeline

	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics http.Handler
}

// Server is the HTTP front end.
type Server struct {
	echo   *echo.Echo
	config Config
	deps   Deps
	logger *zap.Logger
}

// New builds the server and registers all routes.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil || deps.Tasks == nil {
		return nil, fmt.Errorf("store and task manager are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9632"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "knowd"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:   e,
		config: cfg,
		deps:   deps,
		logger: logger,
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1g := s.echo.Group("/v1")

	v1g.POST("/tasks", s.handleSubmitTask)
	v1g.GET("/tasks", s.handleListTasks)
	v1g.GET("/tasks/:id", s.handleGetTask)
	v1g.POST("/tasks/:id/interrupt", s.handleInterruptTask)
	v1g.POST("/tasks/:id/amend", s.handleAmendTask)
	v1g.POST("/tasks/:id/resume", s.handleResumeTask)
	v1g.POST("/tasks/:id/cancel", s.handleCancelTask)
	v1g.POST("/tasks/:id/retry", s.handleRetryTask)

	v1g.POST("/containers", s.handlePutContainer)
	v1g.GET("/containers/:id", s.handleGetContainer)
	v1g.GET("/containers/:id/tree", s.handleContainerTree)
	v1g.POST("/containers/search", s.handleSearch)

	v1g.POST("/contributions", s.handleContribute)
	v1g.GET("/contributions", s.handleListContributions)
	v1g.GET("/contributions/:id", s.handleGetContribution)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.config.Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the router, used by tests to drive handlers directly.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
