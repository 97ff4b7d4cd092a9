package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the hot-path ingress hook invoked once per completed
// request. It feeds both the in-memory sample store and the prometheus
// exposition. No I/O, cheap enough for synchronous use.
type Recorder struct {
	store *SampleStore
	now   func() time.Time

	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder creates a recorder registering its collectors with reg.
func NewRecorder(store *SampleStore, reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		store: store,
		now:   time.Now,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Completed requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_http_request_errors_total",
			Help: "Completed requests with status >= 400",
		}, []string{"method", "path"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "Request duration by method and path",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		}, []string{"method", "path"}),
	}
}

// Observe records one completed request.
func (r *Recorder) Observe(method, path string, statusCode int, duration time.Duration, actorID string) {
	r.store.Record(Sample{
		Timestamp:  r.now(),
		Method:     method,
		Path:       path,
		StatusCode: statusCode,
		Duration:   duration,
		ActorID:    actorID,
	})

	r.requests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	if statusCode >= 400 {
		r.errors.WithLabelValues(method, path).Inc()
	}
	r.duration.WithLabelValues(method, path).Observe(duration.Seconds())
}
