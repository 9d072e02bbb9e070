// Package api provides HTTP handlers and routing for the automation service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/automation-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/automation-go/internal/cronauth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	cron     *cronauth.Authorizer
	identity *auth.Middleware
	limiter  *auth.RateLimiter
}

// NewServer creates a new API server. Cron routes are guarded by cron and
// limiter; user routes by identity.
func NewServer(h *Handlers, cron *cronauth.Authorizer, identity *auth.Middleware, limiter *auth.RateLimiter) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		cron:     cron,
		identity: identity,
		limiter:  limiter,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	// CORS wraps the router so preflights to POST-only routes are answered.
	return otelhttp.NewHandler(s.handlers.CORSMiddleware(s.router), "automation",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Periodic triggers
	cron := s.router.PathPrefix("/api/cron").Subrouter()
	cron.HandleFunc("/anomaly-scan", s.handlers.AnomalyScan).Methods("POST")
	cron.HandleFunc("/stale-bot-scan", s.handlers.StaleBotScan).Methods("POST")
	cron.HandleFunc("/send-emails", s.handlers.SendEmails).Methods("POST")
	cron.HandleFunc("/process-scheduled", s.handlers.ProcessScheduled).Methods("POST")
	cron.HandleFunc("/archive-tasks", s.handlers.ArchiveTasks).Methods("POST")
	cron.Use(s.cron.Handler(func(w http.ResponseWriter, r *http.Request) { auth.Unauthorized(w) }))
	if s.limiter != nil {
		cron.Use(s.limiter.Handler)
	}

	// User API
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workflow-runs/{id}/start", s.handlers.StartRun).Methods("POST")
	api.HandleFunc("/workflow-runs/{id}/advance", s.handlers.AdvanceRun).Methods("POST")
	api.HandleFunc("/workflow-runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", s.handlers.ResolveAlert).Methods("POST")
	api.Use(s.identity.Handler)

	// Apply middleware
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
