package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/lifecycle/config"
	"example.com/backstage/services/lifecycle/internal/api/handlers"
	"example.com/backstage/services/lifecycle/internal/metrics"
	"example.com/backstage/services/lifecycle/internal/services"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config           config.Config
	router           *gin.Engine
	httpServer       *http.Server
	lifecycleService *services.LifecycleService
	workItemService  *services.WorkItemService
	metrics          *metrics.Metrics
	tracer           tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	lifecycleService *services.LifecycleService,
	workItemService *services.WorkItemService,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:           cfg,
		lifecycleService: lifecycleService,
		workItemService:  workItemService,
		metrics:          metricsCollector,
		tracer:           tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	// Register handlers
	lifecycleHandler := handlers.NewLifecycleHandler(s.lifecycleService, s.tracer)
	lifecycleHandler.RegisterRoutes(router)

	workItemHandler := handlers.NewWorkItemHandler(s.workItemService, s.tracer)
	workItemHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
