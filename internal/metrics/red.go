package metrics

import (
	"sort"
	"time"
)

// REDWindow is the rate/errors/duration summary for one endpoint over a
// trailing time window. Derived on demand, never persisted.
type REDWindow struct {
	Rate         float64       `json:"rate"` // samples per second
	ErrorCount   int           `json:"error_count"`
	MeanDuration time.Duration `json:"mean_duration"`
	P50          time.Duration `json:"p50"`
	P95          time.Duration `json:"p95"`
	P99          time.Duration `json:"p99"`
	SampleCount  int           `json:"sample_count"`
}

// EndpointRate pairs an endpoint key with its observed request rate.
type EndpointRate struct {
	EndpointKey string  `json:"endpoint"`
	Rate        float64 `json:"rate"`
}

// Aggregator computes RED windows from sample store snapshots. Pure
// in-memory computation, safe to call from request handlers.
type Aggregator struct {
	store *SampleStore
	now   func() time.Time
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store *SampleStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Window computes the RED summary for one endpoint over the trailing
// window. An empty window returns a zero REDWindow, not an error.
func (a *Aggregator) Window(key string, window time.Duration) REDWindow {
	if window <= 0 {
		return REDWindow{}
	}

	cutoff := a.now().Add(-window)
	samples := a.store.Snapshot(key)

	durations := make([]time.Duration, 0, len(samples))
	var red REDWindow
	var total time.Duration

	for _, s := range samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		if s.StatusCode >= 400 {
			red.ErrorCount++
		}
		durations = append(durations, s.Duration)
		total += s.Duration
	}

	red.SampleCount = len(durations)
	if red.SampleCount == 0 {
		return red
	}

	red.Rate = float64(red.SampleCount) / window.Seconds()
	red.MeanDuration = total / time.Duration(red.SampleCount)

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	red.P50 = percentile(durations, 0.50)
	red.P95 = percentile(durations, 0.95)
	red.P99 = percentile(durations, 0.99)

	return red
}

// AllWindows computes RED summaries for every known endpoint.
func (a *Aggregator) AllWindows(window time.Duration) map[string]REDWindow {
	out := make(map[string]REDWindow)
	for _, key := range a.store.Keys() {
		out[key] = a.Window(key, window)
	}
	return out
}

// TopByRate returns up to n endpoints ordered by descending request rate.
func (a *Aggregator) TopByRate(window time.Duration, n int) []EndpointRate {
	all := a.AllWindows(window)

	rates := make([]EndpointRate, 0, len(all))
	for key, red := range all {
		rates = append(rates, EndpointRate{EndpointKey: key, Rate: red.Rate})
	}
	sort.Slice(rates, func(i, j int) bool {
		if rates[i].Rate == rates[j].Rate {
			return rates[i].EndpointKey < rates[j].EndpointKey
		}
		return rates[i].Rate > rates[j].Rate
	})

	if n > 0 && len(rates) > n {
		rates = rates[:n]
	}
	return rates
}

// percentile indexes the sorted slice at floor(n*p), clamped to the last
// element.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
