// Package web serves the read-only status API for pipelines.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/db"
	"github.com/lucasnoah/agentfactory/internal/metrics"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// History reads journaled pipeline history. *db.DB implements it.
type History interface {
	GetPipelineHistory(ctx context.Context, pipelineID string) ([]db.PipelineEvent, error)
	GetBuilderRuns(ctx context.Context, pipelineID string) ([]db.BuilderRun, error)
	GetFixRounds(ctx context.Context, pipelineID string) ([]db.FixRound, error)
}

// Options configures a Server. Store and Logger are required.
type Options struct {
	Addr    string
	Store   *pipeline.Store
	History History // nil disables the events endpoint
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// PollInterval is how often the state stream checks for changes.
	PollInterval time.Duration
}

// Server is the status API server.
type Server struct {
	echo    *echo.Echo
	addr    string
	store   *pipeline.Store
	history History
	metrics *metrics.Metrics
	logger  *zap.Logger
	poll    time.Duration
}

// NewServer creates a Server with its routes registered.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline store cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8085"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	logger := opts.Logger
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		addr:    opts.Addr,
		store:   opts.Store,
		history: opts.History,
		metrics: opts.Metrics,
		logger:  logger,
		poll:    opts.PollInterval,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/pipelines", s.handleList)
	v1.GET("/pipelines/:id", s.handleDetail)
	v1.GET("/pipelines/:id/events", s.handleEvents)
	v1.GET("/pipelines/:id/stream", s.handleStream)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting status api", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status api")
	return s.echo.Shutdown(ctx)
}
