package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/metrics"
	"github.com/compose-network/sla-escrow/x/auth"
)

// statusRecorder captures the status code and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	panics   prometheus.Counter
}

var (
	httpMetricsOnce sync.Once
	httpMetricsInst *httpMetrics
)

func requestMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		reg := metrics.NewComponentRegistry("", "http")
		httpMetricsInst = &httpMetrics{
			requests: reg.NewCounterVec(prometheus.CounterOpts{
				Name: "requests_total",
				Help: "HTTP requests by route and status code",
			}, []string{"route", "code"}),
			latency: reg.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: metrics.DurationBuckets,
			}, []string{"route"}),
			panics: reg.NewCounter(prometheus.CounterOpts{
				Name: "panics_total",
				Help: "Handler panics recovered",
			}),
		}
	})
	return httpMetricsInst
}

// quietPaths are health and scrape endpoints logged at debug level.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// routeName labels a request by its named mux route so ids in paths do not explode label
// cardinality. Unmatched requests share one label.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if name := route.GetName(); name != "" {
			return name
		}
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type routeSinkKey struct{}

func withRouteSink(ctx context.Context, sink *string) context.Context {
	return context.WithValue(ctx, routeSinkKey{}, sink)
}

// TagRoute is a mux middleware reporting the matched route back to Logger. Register it with
// Router.Use so it runs after route matching.
func TagRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sink, ok := r.Context().Value(routeSinkKey{}).(*string); ok {
			*sink = routeName(r)
		}
		next.ServeHTTP(w, r)
	})
}

// Logger writes one access log line per request and records request metrics.
func Logger(log zerolog.Logger) func(next http.Handler) http.Handler {
	m := requestMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			route := "unmatched"
			next.ServeHTTP(rw, r.WithContext(withRouteSink(r.Context(), &route)))

			elapsed := time.Since(start)
			m.requests.WithLabelValues(route, strconv.Itoa(rw.status)).Inc()
			m.latency.WithLabelValues(route).Observe(elapsed.Seconds())

			var evt *zerolog.Event
			switch {
			case rw.status >= 500:
				evt = log.Error()
			case rw.status >= 400:
				evt = log.Warn()
			default:
				if _, quiet := quietPaths[r.URL.Path]; quiet {
					evt = log.Debug()
				} else {
					evt = log.Info()
				}
			}

			// claimed identity; Caller resolves it further down the chain
			if caller := r.Header.Get(auth.HeaderCaller); caller != "" {
				evt = evt.Str("caller", caller)
			}
			evt.
				Str("request_id", RequestIDFrom(r.Context())).
				Str("route", route).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("query", r.URL.RawQuery).
				Str("remote_addr", r.RemoteAddr).
				Int("status", rw.status).
				Int64("bytes", rw.bytes).
				Dur("latency", elapsed).
				Msg("http_request")
		})
	}
}
