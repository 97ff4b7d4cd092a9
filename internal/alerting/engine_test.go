package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veridian/sentinel/internal/metrics"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newCaptureSink(expected int) *captureSink {
	return &captureSink{done: make(chan struct{}, expected)}
}

func (c *captureSink) Emit(_ context.Context, event Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *captureSink) wait(t *testing.T) Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no event forwarded to sink")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

type memAlertStore struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (s *memAlertStore) SaveAlert(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *memAlertStore) UnresolvedAlerts(_ context.Context) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Alert, 0)
	for _, a := range s.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memAlertStore) HasUnresolvedSince(_ context.Context, alertType AlertType, endpointKey string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if !a.Resolved && a.Type == alertType && a.EndpointKey == endpointKey && !a.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memAlertStore) ResolveAlert(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			a.Resolved = true
			return nil
		}
	}
	return ErrAlertNotFound
}

func testEngine(t *testing.T, cfg Config, sink EventSink) (*Engine, *metrics.SampleStore, *memAlertStore, time.Time) {
	t.Helper()

	sampleStore := metrics.NewSampleStore(500)
	agg := metrics.NewAggregator(sampleStore)

	store := &memAlertStore{}
	engine := NewEngine(zaptest.NewLogger(t), cfg, agg, store, sink)
	t.Cleanup(func() { engine.Stop() })

	// The aggregator reads the wall clock, so samples carry wall-clock
	// relative timestamps.
	return engine, sampleStore, store, time.Now()
}

func record(store *metrics.SampleStore, at time.Time, key string, n, status int, d time.Duration) {
	for i := 0; i < n; i++ {
		store.Record(metrics.Sample{
			Timestamp:  at,
			Method:     "GET",
			Path:       key,
			StatusCode: status,
			Duration:   d,
		})
	}
}

func TestEvaluateEmitsErrorRatioAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{ErrorRatio: 0.05}

	engine, samples, store, now := testEngine(t, cfg, nil)

	record(samples, now.Add(-10*time.Second), "/pay", 90, 200, 10*time.Millisecond)
	record(samples, now.Add(-10*time.Second), "/pay", 10, 500, 10*time.Millisecond)

	emitted := engine.Evaluate(context.Background(), "GET /pay")
	require.Len(t, emitted, 1)
	assert.Equal(t, AlertTypeError, emitted[0].Type)
	assert.InDelta(t, 0.1, emitted[0].Observed, 1e-9)

	saved, err := store.UnresolvedAlerts(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestEvaluateBelowThresholdEmitsNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{ErrorRatio: 0.05, MeanDuration: time.Second, Rate: 1000}

	engine, samples, _, now := testEngine(t, cfg, nil)

	record(samples, now.Add(-10*time.Second), "/ok", 100, 200, 5*time.Millisecond)

	assert.Empty(t, engine.Evaluate(context.Background(), "GET /ok"))
}

func TestDedupSuppressesRepeatWithinWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{ErrorRatio: 0.05}

	engine, samples, store, now := testEngine(t, cfg, nil)

	record(samples, now.Add(-10*time.Second), "/pay", 10, 500, time.Millisecond)

	require.Len(t, engine.Evaluate(context.Background(), "GET /pay"), 1)
	assert.Empty(t, engine.Evaluate(context.Background(), "GET /pay"))

	saved, _ := store.UnresolvedAlerts(context.Background())
	assert.Len(t, saved, 1)
}

func TestDedupReleasedAfterResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{ErrorRatio: 0.05}

	engine, samples, _, now := testEngine(t, cfg, nil)
	ctx := context.Background()

	record(samples, now.Add(-10*time.Second), "/pay", 10, 500, time.Millisecond)

	first := engine.Evaluate(ctx, "GET /pay")
	require.Len(t, first, 1)
	require.NoError(t, engine.Resolve(ctx, first[0].ID))

	// Same breach re-alerts once the earlier alert is resolved.
	assert.Len(t, engine.Evaluate(ctx, "GET /pay"), 1)
}

func TestSeverityBands(t *testing.T) {
	bands := SeverityBands{Critical: 4, High: 2, Medium: 1.5}

	tests := []struct {
		name      string
		observed  float64
		threshold float64
		want      Severity
	}{
		{"just above threshold", 1.2, 1.0, SeverityLow},
		{"medium band", 1.8, 1.0, SeverityMedium},
		{"high band", 3.0, 1.0, SeverityHigh},
		{"critical band", 5.0, 1.0, SeverityCritical},
		{"boundary is exclusive", 2.0, 1.0, SeverityMedium},
		{"zero threshold", 5.0, 0, SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, severityFor(tt.observed, tt.threshold, bands))
		})
	}
}

func TestForwardDoesNotBlockEvaluate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{ErrorRatio: 0.05}

	sink := newCaptureSink(1)
	engine, samples, _, now := testEngine(t, cfg, sink)

	record(samples, now.Add(-10*time.Second), "/pay", 10, 500, time.Millisecond)

	start := time.Now()
	emitted := engine.Evaluate(context.Background(), "GET /pay")
	require.Len(t, emitted, 1)
	assert.Less(t, time.Since(start), time.Second)

	event := sink.wait(t)
	assert.Equal(t, "alert.error", event.Type)
	assert.Equal(t, emitted[0].ID, event.Details["alert_id"])
}

func TestUpdateConfigSwapsThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{Rate: 1000}

	engine, samples, _, now := testEngine(t, cfg, nil)
	ctx := context.Background()

	record(samples, now.Add(-10*time.Second), "/burst", 120, 200, time.Millisecond)

	assert.Empty(t, engine.Evaluate(ctx, "GET /burst"))

	next := cfg
	next.Thresholds = Thresholds{Rate: 1}
	engine.UpdateConfig(next)

	emitted := engine.Evaluate(ctx, "GET /burst")
	require.Len(t, emitted, 1)
	assert.Equal(t, AlertTypeRate, emitted[0].Type)
}

func TestDurationAnomalyBaseline(t *testing.T) {
	baseline := newDurationBaseline(3, 5)

	// Mildly varying latency builds the baseline without tripping.
	for i := 0; i < 10; i++ {
		d := 10 * time.Millisecond
		if i%2 == 1 {
			d = 12 * time.Millisecond
		}
		w := metrics.REDWindow{MeanDuration: d, SampleCount: 1}
		assert.Nil(t, baseline.check("GET /x", w))
	}

	// A large excursion past mean + sigma*stddev trips.
	spike := metrics.REDWindow{MeanDuration: 500 * time.Millisecond, SampleCount: 1}
	got := baseline.check("GET /x", spike)
	require.NotNil(t, got)
	assert.Greater(t, got.observed, got.expected)
}

func TestDurationAnomalyNeedsMinSamples(t *testing.T) {
	baseline := newDurationBaseline(3, 50)

	for i := 0; i < 10; i++ {
		baseline.check("GET /x", metrics.REDWindow{MeanDuration: 10 * time.Millisecond, SampleCount: 1})
	}

	spike := metrics.REDWindow{MeanDuration: 5 * time.Second, SampleCount: 1}
	assert.Nil(t, baseline.check("GET /x", spike))
}
