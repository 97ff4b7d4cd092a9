package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/veridian/sentinel/internal/security"
)

const defaultQueryWindow = 60 * time.Second

// healthStatus is the health endpoint payload.
type healthStatus struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryPercent = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}

	s.respond(w, http.StatusOK, status)
}

// handleDashboard aggregates the operator overview: traffic totals, the
// busiest endpoints, active alerts and open incidents. Partial failures
// degrade to empty sections rather than failing the whole view.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	window := queryWindow(r)
	ctx := r.Context()

	all := s.deps.Aggregator.AllWindows(window)

	var totalRate float64
	var totalErrors, totalSamples int
	for _, red := range all {
		totalRate += red.Rate
		totalErrors += red.ErrorCount
		totalSamples += red.SampleCount
	}

	alerts, err := s.deps.Alerts.ActiveAlerts(ctx)
	if err != nil {
		s.logger.Warn("Dashboard alert query failed", zap.Error(err))
	}
	incidents, err := s.deps.Orchestrator.ActiveIncidents(ctx, "")
	if err != nil {
		s.logger.Warn("Dashboard incident query failed", zap.Error(err))
	}
	entries, err := s.deps.Blacklist.ActiveEntries(ctx)
	if err != nil {
		s.logger.Warn("Dashboard blacklist query failed", zap.Error(err))
	}

	s.respond(w, http.StatusOK, map[string]any{
		"window_seconds":   window.Seconds(),
		"endpoints":        len(all),
		"total_rate":       totalRate,
		"total_errors":     totalErrors,
		"total_samples":    totalSamples,
		"top_endpoints":    s.deps.Aggregator.TopByRate(window, 10),
		"active_alerts":    len(alerts),
		"active_incidents": len(incidents),
		"blacklisted_ips":  len(entries),
	})
}

// handleREDMetrics returns the RED window for one endpoint, identified
// by method and path query parameters. An unknown endpoint returns a
// zero window.
func (s *Server) handleREDMetrics(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		method := r.URL.Query().Get("method")
		path := r.URL.Query().Get("path")
		if method == "" || path == "" {
			s.respondError(w, http.StatusBadRequest, "endpoint or method+path query parameters required")
			return
		}
		endpoint = method + " " + path
	}

	s.respond(w, http.StatusOK, map[string]any{
		"endpoint": endpoint,
		"red":      s.deps.Aggregator.Window(endpoint, queryWindow(r)),
	})
}

func (s *Server) handleAllMetrics(w http.ResponseWriter, r *http.Request) {
	window := queryWindow(r)
	s.respond(w, http.StatusOK, map[string]any{
		"window_seconds": window.Seconds(),
		"endpoints":      s.deps.Aggregator.AllWindows(window),
	})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Alerts.ActiveAlerts(r.Context())
	if err != nil {
		s.logger.Error("Active alert query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	s.respond(w, http.StatusOK, alerts)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.deps.Alerts.Resolve(r.Context(), id); err != nil {
		s.logger.Warn("Alert resolve failed", zap.String("alert_id", id), zap.Error(err))
		s.respondError(w, http.StatusNotFound, "alert not found")
		return
	}

	s.respond(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var input security.IncidentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	incident, err := s.deps.Registrar.Create(r.Context(), input)
	if err != nil {
		if errors.Is(err, security.ErrInvalidSeverity) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Incident registration failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to register incident")
		return
	}

	s.respond(w, http.StatusCreated, incident)
}

func (s *Server) handleActiveIncidents(w http.ResponseWriter, r *http.Request) {
	severity := security.Severity(r.URL.Query().Get("severity"))
	if severity != "" && !severity.Valid() {
		s.respondError(w, http.StatusBadRequest, "invalid severity filter")
		return
	}

	incidents, err := s.deps.Orchestrator.ActiveIncidents(r.Context(), severity)
	if err != nil {
		s.logger.Error("Active incident query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}

	s.respond(w, http.StatusOK, incidents)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Level    int    `json:"level"`
		Assignee string `json:"assignee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	incident, err := s.deps.Orchestrator.Escalate(r.Context(), id, body.Level, body.Assignee)
	if err != nil {
		switch {
		case errors.Is(err, security.ErrIncidentNotFound):
			s.respondError(w, http.StatusNotFound, "incident not found")
		case errors.Is(err, security.ErrEscalationDecrease):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("Escalation failed", zap.String("incident_id", id), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "failed to escalate incident")
		}
		return
	}

	s.respond(w, http.StatusOK, incident)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Resolution string `json:"resolution"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	incident, err := s.deps.Orchestrator.Resolve(r.Context(), id, body.Resolution, body.ResolvedBy)
	if err != nil {
		if errors.Is(err, security.ErrIncidentNotFound) {
			s.respondError(w, http.StatusNotFound, "incident not found")
			return
		}
		s.logger.Error("Resolution failed", zap.String("incident_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to resolve incident")
		return
	}

	s.respond(w, http.StatusOK, incident)
}

func (s *Server) handleActiveBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Blacklist.ActiveEntries(r.Context())
	if err != nil {
		s.logger.Error("Blacklist query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list blacklist entries")
		return
	}
	s.respond(w, http.StatusOK, entries)
}

func (s *Server) handleCheckIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	s.respond(w, http.StatusOK, map[string]any{
		"ip":      ip,
		"blocked": s.deps.Blacklist.IsBlocked(r.Context(), ip),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	reason := r.URL.Query().Get("reason")

	count, err := s.deps.Blacklist.Revoke(r.Context(), ip, reason)
	if err != nil {
		s.logger.Error("Blacklist revoke failed", zap.String("ip", ip), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to revoke blacklist entries")
		return
	}

	s.respond(w, http.StatusOK, map[string]any{"ip": ip, "revoked": count})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Blacklist.SweepExpired(r.Context())
	if err != nil {
		s.logger.Error("Blacklist sweep failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to sweep blacklist")
		return
	}

	s.respond(w, http.StatusOK, map[string]any{"deactivated": count})
}

// queryWindow parses the optional window query parameter. A bare
// integer is taken as seconds; Go duration syntax ("2m") also works.
func queryWindow(r *http.Request) time.Duration {
	if raw := r.URL.Query().Get("window"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return defaultQueryWindow
}
