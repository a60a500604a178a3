// api/server.go
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/John-ltf/IoT-functions/api/handlers"
	"github.com/John-ltf/IoT-functions/api/middleware"
	"github.com/John-ltf/IoT-functions/api/routes"
	"github.com/John-ltf/IoT-functions/config"
	"github.com/John-ltf/IoT-functions/internal/cache"
	"github.com/John-ltf/IoT-functions/internal/hub"
	"github.com/John-ltf/IoT-functions/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	router     *gin.Engine
	config     *config.Config
	httpServer *http.Server
	log        *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	cfg *config.Config,
	log *logrus.Logger,
	nrApp *newrelic.Application,
	repo repository.Repository,
	cacheClient cache.RedisClient,
	liveHub *hub.Hub,
	historyHub *hub.Hub,
) *Server {
	// Set Gin mode
	gin.SetMode(cfg.Server.Mode)

	// Create router
	router := gin.New()

	// Set up middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))

	// Add New Relic middleware if enabled
	if nrApp != nil {
		router.Use(middleware.NewRelicMiddleware(nrApp))
	}

	// Set up routes
	routes.SetupRoutes(
		router,
		handlers.NewTelemetryHandler(repo, cacheClient, log),
		handlers.NewHubHandler(liveHub, cacheClient, log),
		handlers.NewHubHandler(historyHub, cacheClient, log),
	)

	return &Server{
		router: router,
		config: cfg,
		log:    log,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: router,
		},
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Infof("Starting server on port %d", s.config.Server.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
