// Package api exposes the workflow engine over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/types"
	"github.com/songzhibin97/docflow/workflow"
)

// DocumentStore holds document fields for the engine to read.
type DocumentStore interface {
	// Put merges fields and reports whether the document was created.
	Put(documentID string, fields map[string]types.TypedValue) bool
	Fields(documentID string) (map[string]types.TypedValue, bool)
}

// Server holds the dependencies for the API server.
type Server struct {
	engine   *workflow.Engine
	docs     DocumentStore
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	echo     *echo.Echo
	started  time.Time
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer serves metrics from g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates a Server and registers its routes.
func NewServer(engine *workflow.Engine, docs DocumentStore, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		docs:     docs,
		logger:   zap.NewNop(),
		gatherer: prometheus.DefaultGatherer,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.Health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/definitions", s.SaveDefinition)
	v1.GET("/definitions", s.ListDefinitions)
	v1.GET("/definitions/:id", s.GetDefinition)
	v1.POST("/definitions/:id/activate", s.ActivateDefinition)

	v1.POST("/instances", s.CreateInstance)
	v1.GET("/instances", s.ListActiveInstances)
	v1.GET("/instances/:id", s.GetInstance)
	v1.POST("/instances/:id/start", s.StartInstance)
	v1.POST("/instances/:id/actions", s.ExecuteAction)
	v1.GET("/instances/:id/actions", s.AvailableActions)
	v1.POST("/instances/:id/reassign", s.Reassign)
	v1.POST("/instances/:id/cancel", s.Cancel)
	v1.GET("/instances/:id/history", s.History)

	v1.PUT("/documents/:id", s.PutDocument)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}
