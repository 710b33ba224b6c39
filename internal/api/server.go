// Package api provides the HTTP control surface of the send engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/campaign-sendqueue/internal/auth"
	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/metrics"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/service"
	"github.com/campaign-sendqueue/internal/types"
)

// CampaignServiceInterface defines the control operations served over HTTP
type CampaignServiceInterface interface {
	CreateCampaign(ctx context.Context, p auth.Principal, in service.CreateCampaignInput) (*models.Campaign, error)
	GetCampaign(ctx context.Context, p auth.Principal, id int64) (*models.Campaign, error)
	Start(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error)
	Pause(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error)
	Resume(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error)
	RetryFailed(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error)
	SendNow(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error)
	Progress(ctx context.Context, p auth.Principal, id int64) (*models.CampaignProgress, error)
	Failures(ctx context.Context, p auth.Principal, id int64, limit int) ([]models.FailedItem, error)
	ProcessBatch(ctx context.Context, p auth.Principal, in job.RunOptions) (*job.BatchResult, error)
}

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	campaigns     CampaignServiceInterface
	authenticator Authenticator
	health        HealthChecker
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	Burst           int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, campaigns CampaignServiceInterface, authenticator Authenticator, health HealthChecker) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		campaigns:     campaigns,
		authenticator: authenticator,
		health:        health,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(s.authenticator))

	// Campaign endpoints
	api.HandleFunc("/campaigns", s.handleCreateCampaign).Methods("POST")
	api.HandleFunc("/campaigns/{id:[0-9]+}", s.handleGetCampaign).Methods("GET")
	api.HandleFunc("/campaigns/{id:[0-9]+}/start", s.controlHandler(s.campaigns.Start)).Methods("POST")
	api.HandleFunc("/campaigns/{id:[0-9]+}/pause", s.controlHandler(s.campaigns.Pause)).Methods("POST")
	api.HandleFunc("/campaigns/{id:[0-9]+}/resume", s.controlHandler(s.campaigns.Resume)).Methods("POST")
	api.HandleFunc("/campaigns/{id:[0-9]+}/retry-failed", s.controlHandler(s.campaigns.RetryFailed)).Methods("POST")
	api.HandleFunc("/campaigns/{id:[0-9]+}/send-now", s.controlHandler(s.campaigns.SendNow)).Methods("POST")
	api.HandleFunc("/campaigns/{id:[0-9]+}/progress", s.handleGetProgress).Methods("GET")
	api.HandleFunc("/campaigns/{id:[0-9]+}/failures", s.handleGetFailures).Methods("GET")

	// Queue endpoints
	api.HandleFunc("/queue/process", s.handleProcessBatch).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "sendqueue",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sendqueue",
	})
}

// Handler returns the root handler, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
