package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/metrics"
	"github.com/veridian/sentinel/internal/security"
	"github.com/veridian/sentinel/internal/store"
)

func testServer(t *testing.T) (*Server, *security.BlacklistManager) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	st := store.NewMemory()

	registry := prometheus.NewRegistry()
	sampleStore := metrics.NewSampleStore(100)
	recorder := metrics.NewRecorder(sampleStore, registry)
	aggregator := metrics.NewAggregator(sampleStore)

	blacklist, err := security.NewBlacklistManager(logger, security.DefaultBlacklistConfig(), st)
	require.NoError(t, err)
	t.Cleanup(func() { blacklist.Stop() })

	playbooks := security.NewPlaybookExecutor(logger, blacklist, 5)
	orchestrator := security.NewOrchestrator(logger, security.DefaultIncidentConfig(), st, blacklist, security.NewLogNotifier(logger), playbooks)
	registrar := security.NewRegistrar(logger, st, orchestrator)

	server := NewServer(logger, Config{ListenAddr: ":0", RateLimit: 10000, RateBurst: 10000}, Deps{
		Recorder:     recorder,
		Aggregator:   aggregator,
		Registrar:    registrar,
		Orchestrator: orchestrator,
		Blacklist:    blacklist,
		Gatherer:     registry,
	})

	engine := alerting.NewEngine(logger, alerting.DefaultConfig(), aggregator, st, nil)
	t.Cleanup(func() { engine.Stop() })
	server.SetAlertEngine(engine)

	return server, blacklist
}

func doJSON(t *testing.T, server *Server, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:52000"
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	var envelope Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec, envelope
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := testServer(t)

	rec, envelope := doJSON(t, server, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, envelope.Success)

	data := envelope.Data.(map[string]any)
	assert.Equal(t, "healthy", data["status"])
}

func TestIncidentIngressAndQueries(t *testing.T) {
	server, blacklist := testServer(t)

	rec, envelope := doJSON(t, server, http.MethodPost, "/api/v1/incidents", security.IncidentInput{
		IncidentType: security.IncidentDDoS,
		Severity:     security.SeverityCritical,
		Description:  "flood",
		SourceIP:     "198.51.100.40",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, envelope.Success)

	incident := envelope.Data.(map[string]any)
	assert.Equal(t, "mitigated", incident["status"])
	assert.Equal(t, true, incident["ip_blacklisted"])
	id := incident["id"].(string)

	// The source IP is now rejected at the edge.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "198.51.100.40:40000"
	edgeRec := httptest.NewRecorder()
	server.router.ServeHTTP(edgeRec, req)
	assert.Equal(t, http.StatusForbidden, edgeRec.Code)

	rec, envelope = doJSON(t, server, http.MethodGet, "/api/v1/incidents/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, envelope.Data, 1)

	// Escalate, then resolve.
	rec, envelope = doJSON(t, server, http.MethodPost, "/api/v1/incidents/"+id+"/escalate",
		map[string]any{"level": 4, "assignee": "oncall"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), envelope.Data.(map[string]any)["escalation_level"])

	rec, _ = doJSON(t, server, http.MethodPost, "/api/v1/incidents/"+id+"/escalate",
		map[string]any{"level": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, envelope = doJSON(t, server, http.MethodPost, "/api/v1/incidents/"+id+"/resolve",
		map[string]any{"resolution": "upstream filtered", "resolved_by": "analyst"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "resolved", envelope.Data.(map[string]any)["status"])

	// Blacklist survives resolution until revoked.
	rec, envelope = doJSON(t, server, http.MethodGet, "/api/v1/blacklist/198.51.100.40", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, envelope.Data.(map[string]any)["blocked"])

	rec, envelope = doJSON(t, server, http.MethodDelete, "/api/v1/blacklist/198.51.100.40?reason=false+positive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), envelope.Data.(map[string]any)["revoked"])
	assert.False(t, blacklist.IsBlocked(req.Context(), "198.51.100.40"))
}

func TestIncidentIngressRejectsBadSeverity(t *testing.T) {
	server, _ := testServer(t)

	rec, envelope := doJSON(t, server, http.MethodPost, "/api/v1/incidents", map[string]any{
		"incident_type": "probe",
		"severity":      "extreme",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, envelope.Success)
	assert.NotEmpty(t, envelope.Error)
}

func TestUnknownIncidentReturns404(t *testing.T) {
	server, _ := testServer(t)

	rec, _ := doJSON(t, server, http.MethodPost, "/api/v1/incidents/ghost/resolve",
		map[string]any{"resolution": "n/a"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	server, _ := testServer(t)

	// Instrumented requests feed the sample store through the router.
	for i := 0; i < 3; i++ {
		doJSON(t, server, http.MethodGet, "/api/v1/health", nil)
	}

	rec, envelope := doJSON(t, server, http.MethodGet, "/api/v1/metrics/red?method=GET&path=/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := envelope.Data.(map[string]any)
	red := data["red"].(map[string]any)
	assert.GreaterOrEqual(t, red["sample_count"].(float64), float64(3))

	rec, _ = doJSON(t, server, http.MethodGet, "/api/v1/metrics/red", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, envelope = doJSON(t, server, http.MethodGet, "/api/v1/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dashboard := envelope.Data.(map[string]any)
	assert.GreaterOrEqual(t, dashboard["total_samples"].(float64), float64(3))
}

func TestQueryWindowAcceptsSecondsAndDurations(t *testing.T) {
	server, _ := testServer(t)

	// Bare integers read as seconds, matching the dashboard's
	// windowSeconds parameter.
	rec, envelope := doJSON(t, server, http.MethodGet, "/api/v1/metrics?window=90", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(90), envelope.Data.(map[string]any)["window_seconds"])

	// Go duration syntax still works.
	rec, envelope = doJSON(t, server, http.MethodGet, "/api/v1/metrics?window=2m", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(120), envelope.Data.(map[string]any)["window_seconds"])

	// Garbage falls back to the default.
	rec, envelope = doJSON(t, server, http.MethodGet, "/api/v1/metrics?window=soon", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(60), envelope.Data.(map[string]any)["window_seconds"])
}

func TestPrometheusExposition(t *testing.T) {
	server, _ := testServer(t)

	doJSON(t, server, http.MethodGet, "/api/v1/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.10:52000"
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sentinel_http_requests_total")
}

func TestRateLimitRejectsBursts(t *testing.T) {
	server, _ := testServer(t)
	server.config.RateLimit = 1
	server.config.RateBurst = 2
	server.setupRoutes()

	var limited bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.RemoteAddr = "192.0.2.77:1000"
		rec := httptest.NewRecorder()
		server.router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited)
}

func TestServerStartStop(t *testing.T) {
	server, _ := testServer(t)

	require.NoError(t, server.Start())
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Stop(ctx))
}
