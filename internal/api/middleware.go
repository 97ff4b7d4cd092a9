package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veridian/sentinel/internal/metrics"
	"github.com/veridian/sentinel/internal/security"
)

// statusRecorder captures the response status for the metrics hook.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// gate is the edge middleware: it rejects blacklisted IPs before
// routing and applies a per-IP rate limit. The blacklist lookup must
// stay cheap; it is served from the manager's hot cache.
type gate struct {
	logger    *zap.Logger
	blacklist *security.BlacklistManager
	limit     rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newGate(logger *zap.Logger, blacklist *security.BlacklistManager, rps float64, burst int) *gate {
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &gate{
		logger:    logger,
		blacklist: blacklist,
		limit:     rate.Limit(rps),
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (g *gate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if g.blacklist != nil && g.blacklist.IsBlocked(r.Context(), ip) {
			g.logger.Debug("Blocked IP rejected", zap.String("ip", ip))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if !g.limiter(ip).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *gate) limiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[ip]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[ip] = l
	}
	return l
}

// instrument feeds every completed request into the metrics recorder,
// labeled by the route template so path cardinality stays bounded.
func instrument(recorder *metrics.Recorder) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			recorder.Observe(r.Method, path, rec.status, time.Since(start), "")
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
