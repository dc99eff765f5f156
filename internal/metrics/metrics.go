// Package metrics exposes Prometheus metrics for every layer of the backend.
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

// Collector holds all Prometheus metrics for the application.
// It implements the Observer interfaces of store, completion, realtime and session.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	StoreOps      *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec

	Completions        *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec

	Sends        *prometheus.CounterVec
	SendDuration prometheus.Histogram
	LiveEvents   *prometheus.CounterVec
	Realtime     *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	EventClients   prometheus.Gauge
}

// NewCollector creates a collector with its own registry, so several can
// coexist in tests.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	durations := []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		}, []string{"operation", "status"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion endpoint calls by kind and outcome",
		}, []string{"kind", "status"}),
		CompletionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion endpoint latency in seconds",
			Buckets:   durations,
		}, []string{"kind"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_sends_total",
			Help:      "Send-message protocol runs by outcome",
		}, []string{"outcome"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_send_duration_seconds",
			Help:      "End-to-end send-message duration in seconds",
			Buckets:   durations,
		}),
		LiveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Live events merged into sessions by kind and result",
		}, []string{"kind", "result"}),
		Realtime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_subscription_events_total",
			Help:      "Realtime subscription lifecycle events",
		}, []string{"event"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Signed-in sessions held in memory",
		}),
		EventClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Connected WebSocket view-stream clients",
		}),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.StoreOps,
		c.StoreDuration,
		c.Completions,
		c.CompletionDuration,
		c.Sends,
		c.SendDuration,
		c.LiveEvents,
		c.Realtime,
		c.ActiveSessions,
		c.EventClients,
	)
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) ObserveStoreOp(op string, err error, elapsed time.Duration) {
	c.StoreOps.WithLabelValues(op, status(err)).Inc()
	c.StoreDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveCompletion(kind string, err error, elapsed time.Duration) {
	c.Completions.WithLabelValues(kind, status(err)).Inc()
	c.CompletionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveRealtime(event string) {
	c.Realtime.WithLabelValues(event).Inc()
}

func (c *Collector) ObserveSend(outcome string, elapsed time.Duration) {
	c.Sends.WithLabelValues(outcome).Inc()
	c.SendDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveEvent(kind, result string) {
	c.LiveEvents.WithLabelValues(kind, result).Inc()
}

// Middleware records request counts and latency per chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}
