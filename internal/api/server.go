// Package api exposes the compliance query surface and the HTTP ingest
// path over gin.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/config"
	"github.com/HendrickFS/bio-supply-twin/internal/ingest"
	"github.com/HendrickFS/bio-supply-twin/internal/query"
	"github.com/HendrickFS/bio-supply-twin/internal/thresholds"
)

// Server is the HTTP server for the compliance API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	log        *logrus.Logger

	query    *query.Service
	ingestor *ingest.Ingestor
	registry *thresholds.Registry
}

// NewServer creates a new API server. nrApp may be nil when New Relic is
// disabled.
func NewServer(
	cfg config.ServerConfig,
	log *logrus.Logger,
	nrApp *newrelic.Application,
	querySvc *query.Service,
	ingestor *ingest.Ingestor,
	registry *thresholds.Registry,
) *Server {
	gin.SetMode(cfg.Mode)

	server := &Server{
		cfg:      cfg,
		router:   gin.New(),
		log:      log,
		query:    querySvc,
		ingestor: ingestor,
		registry: registry,
	}

	server.setupMiddleware(nrApp)
	server.setupRoutes()

	return server
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware(nrApp *newrelic.Application) {
	if nrApp != nil {
		s.router.Use(nrgin.Middleware(nrApp))
	}
	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware())
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.log))
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", s.metrics)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/compliance/summary", s.getComplianceSummary)
		v1.GET("/entities/:id/status", s.getEntityStatus)
		v1.GET("/excursions/open", s.getOpenExcursions)
		v1.GET("/excursions/search", s.searchExcursions)
		v1.POST("/readings", s.postReading)
		v1.POST("/cache/invalidate", s.invalidateCache)
	}
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.router,
	}

	s.log.WithField("address", s.cfg.Address).Info("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
