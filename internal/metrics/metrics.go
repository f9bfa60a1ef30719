// Package metrics exposes Prometheus collectors for the HTTP surface and the
// sync pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "electsync"

// Registry bundles the collectors that share one Prometheus registry.
type Registry struct {
	registry *prometheus.Registry
	HTTP     *HTTPCollector
	Pipeline *PipelineCollector
}

// NewRegistry registers the HTTP and pipeline collectors plus the Go runtime
// collectors on a private registry.
func NewRegistry() (*Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	httpCollector, err := newHTTPCollector(reg)
	if err != nil {
		return nil, err
	}
	pipeline, err := newPipelineCollector(reg)
	if err != nil {
		return nil, err
	}

	return &Registry{registry: reg, HTTP: httpCollector, Pipeline: pipeline}, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// HTTPCollector exposes Prometheus metrics for inbound HTTP requests.
type HTTPCollector struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

func newHTTPCollector(reg prometheus.Registerer) (*HTTPCollector, error) {
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "route", "status"})

	for _, c := range []prometheus.Collector{requestDuration, requestTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &HTTPCollector{requestDuration: requestDuration, requestTotal: requestTotal}, nil
}

// InstrumentHandler wraps the provided handler to record HTTP metrics. Install
// it with chi's Router.Use: the route label is the matched chi route pattern,
// which chi only records on the request it hands to its middleware stack.
// Wrapped around a router from outside, or when no route matched, the label
// falls back to the raw path.
func (c *HTTPCollector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := strconv.Itoa(rw.status)

		c.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
