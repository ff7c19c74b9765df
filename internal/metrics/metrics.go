// Package metrics exposes Prometheus HTTP and authentication metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered for one server.
//
//	baseapp_http_request_duration_seconds{method,path,status}
//	baseapp_http_requests_inflight
//	baseapp_http_request_errors_total{method,path,status}
//	baseapp_auth_events_total{event,outcome}
type Metrics struct {
	gatherer    prometheus.Gatherer
	reqDuration *prometheus.HistogramVec
	reqInflight prometheus.Gauge
	reqErrors   *prometheus.CounterVec
	authEvents  *prometheus.CounterVec
}

// New registers the collectors on reg. Passing a fresh registry keeps tests
// independent of the global one.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "path", "status"}),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "HTTP requests currently being served.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "HTTP requests that finished with a 4xx or 5xx status.",
		}, []string{"method", "path", "status"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Authentication operations by outcome.",
		}, []string{"event", "outcome"}),
	}
	reg.MustRegister(m.reqDuration, m.reqInflight, m.reqErrors, m.authEvents)
	return m
}

// Middleware records request metrics labeled with the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.reqInflight.Inc()
		defer m.reqInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		code := strconv.Itoa(status)

		m.reqDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
		if status >= 400 {
			m.reqErrors.WithLabelValues(r.Method, path, code).Inc()
		}
	})
}

// ObserveAuth counts one authentication operation, e.g. ("login", "success").
func (m *Metrics) ObserveAuth(event, outcome string) {
	m.authEvents.WithLabelValues(event, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
