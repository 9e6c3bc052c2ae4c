package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"modelsentry/internal/analytics"
	"modelsentry/internal/apikey"
	"modelsentry/internal/auth"
	"modelsentry/internal/cache"
	"modelsentry/internal/config"
	"modelsentry/internal/notify"
	"modelsentry/internal/store"
	"modelsentry/internal/threat"
	"modelsentry/internal/upload"
)

// Server wires the HTTP API: REST routes under /api/v1, the websocket
// endpoint, the Prometheus scrape endpoint, and health checks.
type Server struct {
	store     *store.Store
	cache     *cache.Cache
	auth      *auth.Service
	apikeys   *apikey.Service
	uploads   *upload.Service
	threats   *threat.Service
	analytics *analytics.Service
	hub       *notify.Hub
	log       *logrus.Entry

	httpServer *http.Server
}

// Deps carries the services the server routes to.
type Deps struct {
	Store     *store.Store
	Cache     *cache.Cache
	Auth      *auth.Service
	APIKeys   *apikey.Service
	Uploads   *upload.Service
	Threats   *threat.Service
	Analytics *analytics.Service
	Hub       *notify.Hub
}

// New builds the server and its router.
func New(cfg *config.Config, deps Deps, log *logrus.Entry) *Server {
	s := &Server{
		store:     deps.Store,
		cache:     deps.Cache,
		auth:      deps.Auth,
		apikeys:   deps.APIKeys,
		uploads:   deps.Uploads,
		threats:   deps.Threats,
		analytics: deps.Analytics,
		hub:       deps.Hub,
		log:       log,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           s.router(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) router(cfg *config.Config) http.Handler {
	r := mux.NewRouter()

	protect := s.auth.Middleware(s.apikeys)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Threats.
	api.HandleFunc("/threats", protect(s.handleListThreats)).Methods(http.MethodGet)
	api.HandleFunc("/threats/{id}", protect(s.handleGetThreat)).Methods(http.MethodGet)
	api.HandleFunc("/threats/{id}/status", protect(s.handleUpdateThreatStatus)).Methods(http.MethodPatch)

	// Model files.
	api.HandleFunc("/models", protect(s.handleUploadModel)).Methods(http.MethodPost)
	api.HandleFunc("/models", protect(s.handleListModels)).Methods(http.MethodGet)
	api.HandleFunc("/models/{id}", protect(s.handleGetModel)).Methods(http.MethodGet)
	api.HandleFunc("/models/{id}", protect(s.handleDeleteModel)).Methods(http.MethodDelete)
	api.HandleFunc("/models/{id}/score", protect(s.handleModelScore)).Methods(http.MethodGet)

	// Scans.
	api.HandleFunc("/scans", protect(s.handleListScans)).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", protect(s.handleGetScan)).Methods(http.MethodGet)

	// API keys. Key management itself requires a user session, not a key.
	api.HandleFunc("/apikeys", protect(s.handleCreateAPIKey)).Methods(http.MethodPost)
	api.HandleFunc("/apikeys", protect(s.handleListAPIKeys)).Methods(http.MethodGet)
	api.HandleFunc("/apikeys/{id}", protect(s.handleRevokeAPIKey)).Methods(http.MethodDelete)

	// Analytics.
	api.HandleFunc("/analytics/threats", protect(s.handleThreatAnalytics)).Methods(http.MethodGet)
	api.HandleFunc("/analytics/reports/summary", protect(s.handleSummaryReport)).Methods(http.MethodGet)
	api.HandleFunc("/analytics/reports/detailed", protect(s.handleDetailedReport)).Methods(http.MethodGet)
	api.HandleFunc("/analytics/reports/executive", protect(s.handleExecutiveReport)).Methods(http.MethodGet)
	api.HandleFunc("/analytics/metrics", protect(s.handleSecurityMetrics)).Methods(http.MethodGet)
	api.HandleFunc("/system/metrics", protect(s.handleSystemMetrics)).Methods(http.MethodGet)

	// Notifications.
	api.HandleFunc("/notifications/test", protect(s.handleTestNotification)).Methods(http.MethodPost)

	// Non-API surfaces.
	r.HandleFunc("/ws", s.hub.HandleWS)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	limiter := newRateLimiter(cfg.RateLimit)

	var handler http.Handler = r
	handler = limiter.middleware(handler)
	handler = securityHeaders(handler)
	handler = cors(handler)
	handler = requestLogger(s.log)(handler)
	handler = recoverer(s.log)(handler)
	return handler
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("🌐 HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("🌐 HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the assembled handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
