// Package api provides the admin HTTP server for the guild queue.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/queue"
)

// QueueService is the part of queue.Queue the admin API exposes
type QueueService interface {
	Enqueue(ctx context.Context, g queue.Guild, priority *int) (*models.QueueEntry, bool, error)
	Get(ctx context.Context, guildID string) (*models.QueueEntry, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*models.QueueEntry, error)
	Pause(ctx context.Context, guildID string) (*models.QueueEntry, error)
	Resume(ctx context.Context, guildID string) (*models.QueueEntry, error)
	Stats(ctx context.Context) (*queue.QueueStats, error)
}

// ResolutionService reads cached icon resolutions
type ResolutionService interface {
	GetResolution(ctx context.Context, name string) (*models.CachedResolution, error)
	ListResolutions(ctx context.Context) ([]models.CachedResolution, error)
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	IconDir        string // served under IconPath when set
	IconPath       string
	RequestsPerSec int // per client; 0 disables limiting
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	queue       QueueService
	resolutions ResolutionService
	config      *ServerConfig
	logger      *logging.Logger
}

// NewServer creates a new API server instance. resolutions may be nil.
func NewServer(config *ServerConfig, q QueueService, resolutions ResolutionService, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:      mux.NewRouter(),
		queue:       q,
		resolutions: resolutions,
		config:      config,
		logger:      logger.Named("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	if s.config.RequestsPerSec > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSec)))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	api.HandleFunc("/queue/entries", s.handleListEntries).Methods(http.MethodGet)
	api.HandleFunc("/queue/entries", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/entries/{guildId}", s.handleGetEntry).Methods(http.MethodGet)
	api.HandleFunc("/queue/entries/{guildId}/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/queue/entries/{guildId}/resume", s.handleResume).Methods(http.MethodPost)

	if s.resolutions != nil {
		api.HandleFunc("/icons", s.handleListIcons).Methods(http.MethodGet)
		api.HandleFunc("/icons/{name}", s.handleGetIcon).Methods(http.MethodGet)
	}

	if s.config.IconDir != "" {
		prefix := strings.TrimSuffix(s.config.IconPath, "/") + "/"
		s.router.PathPrefix(prefix).Handler(
			http.StripPrefix(prefix, http.FileServer(http.Dir(s.config.IconDir))),
		).Methods(http.MethodGet, http.MethodHead)
	}
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "guild-tracker",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
