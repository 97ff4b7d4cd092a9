// Package api exposes the operational security core over HTTP: the
// detector ingress, dashboard queries, blacklist maintenance,
// prometheus exposition and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/metrics"
	"github.com/veridian/sentinel/internal/security"
)

// Config defines API server configuration.
type Config struct {
	ListenAddr   string
	AllowOrigins []string
	RateLimit    float64
	RateBurst    int
}

// Deps are the core components the server fronts.
type Deps struct {
	Recorder     *metrics.Recorder
	Aggregator   *metrics.Aggregator
	Alerts       *alerting.Engine
	Registrar    *security.Registrar
	Orchestrator *security.Orchestrator
	Blacklist    *security.BlacklistManager
	Gatherer     prometheus.Gatherer
}

// Response is the JSON envelope shared by all API endpoints.
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Server serves the HTTP API.
type Server struct {
	logger  *zap.Logger
	config  Config
	deps    Deps
	router  *mux.Router
	server  *http.Server
	hub     *Hub
	started time.Time
}

// NewServer creates the API server and wires its routes.
func NewServer(logger *zap.Logger, config Config, deps Deps) *Server {
	s := &Server{
		logger:  logger,
		config:  config,
		deps:    deps,
		hub:     NewHub(logger, config.AllowOrigins),
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// EventHub returns the websocket hub so the alert engine can stream
// into it.
func (s *Server) EventHub() *Hub { return s.hub }

// SetAlertEngine binds the alert engine after construction. The engine
// itself needs the server's event hub, so this dependency is wired in a
// second step; it must be set before Start.
func (s *Server) SetAlertEngine(engine *alerting.Engine) { s.deps.Alerts = engine }

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("listen_addr", s.config.ListenAddr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	edge := newGate(s.logger, s.deps.Blacklist, s.config.RateLimit, s.config.RateBurst)
	s.router.Use(edge.middleware)

	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	if s.deps.Recorder != nil {
		v1.Use(instrument(s.deps.Recorder))
	}

	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	v1.HandleFunc("/metrics/red", s.handleREDMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handleAllMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/alerts/active", s.handleActiveAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)

	v1.HandleFunc("/incidents", s.handleCreateIncident).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/active", s.handleActiveIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}/escalate", s.handleEscalate).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}/resolve", s.handleResolveIncident).Methods(http.MethodPost)

	v1.HandleFunc("/blacklist", s.handleActiveBlacklist).Methods(http.MethodGet)
	v1.HandleFunc("/blacklist/sweep", s.handleSweep).Methods(http.MethodPost)
	v1.HandleFunc("/blacklist/{ip}", s.handleCheckIP).Methods(http.MethodGet)
	v1.HandleFunc("/blacklist/{ip}", s.handleRevoke).Methods(http.MethodDelete)

	v1.HandleFunc("/events/ws", s.hub.handleWS).Methods(http.MethodGet)
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, Response{Success: true, Data: data, Time: time.Now().UTC()})
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Response{Success: false, Error: message, Time: time.Now().UTC()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
