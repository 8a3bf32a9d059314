// Package metrics wraps the Prometheus collectors of the library service:
// HTTP traffic, the borrowing ledger, the late-fee sweep and session expiry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "library"

// Collector owns a private registry so several instances can coexist in tests.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	borrows  *prometheus.CounterVec
	returns  *prometheus.CounterVec
	members  *prometheus.CounterVec
	sessions *prometheus.CounterVec

	sweepRuns     *prometheus.CounterVec
	sweepLoans    *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// NewCollector creates a collector registering under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})
	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})
	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
	}, []string{"method", "path"})

	c.borrows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "borrows_total",
		Help:      "Borrow attempts by result.",
	}, []string{"result"})
	c.returns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "returns_total",
		Help:      "Completed returns by punctuality.",
	}, []string{"on_time"})
	c.members = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "events_total",
		Help:      "Membership events (signup, signin, signout, password_reset) by result.",
	}, []string{"event", "result"})
	c.sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "checks_total",
		Help:      "Session guard outcomes.",
	}, []string{"outcome"})

	c.sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "latefees",
		Name:      "sweeps_total",
		Help:      "Late-fee sweep runs by result.",
	}, []string{"result"})
	c.sweepLoans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "latefees",
		Name:      "sweep_loans_total",
		Help:      "Loans visited by the late-fee sweep, by outcome.",
	}, []string{"outcome"})
	c.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "latefees",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of late-fee sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	c.registry.MustRegister(
		c.httpInFlight, c.httpRequests, c.httpDuration,
		c.borrows, c.returns, c.members, c.sessions,
		c.sweepRuns, c.sweepLoans, c.sweepDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordBorrow counts a borrow attempt. result is "ok" or an error class.
func (c *Collector) RecordBorrow(result string) {
	if c == nil {
		return
	}
	c.borrows.WithLabelValues(result).Inc()
}

// RecordReturn counts a completed return.
func (c *Collector) RecordReturn(onTime bool) {
	if c == nil {
		return
	}
	c.returns.WithLabelValues(strconv.FormatBool(onTime)).Inc()
}

// RecordMemberEvent counts a membership event such as signin.
func (c *Collector) RecordMemberEvent(event, result string) {
	if c == nil {
		return
	}
	c.members.WithLabelValues(event, result).Inc()
}

// RecordSession counts a session guard outcome.
func (c *Collector) RecordSession(outcome string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(outcome).Inc()
}

// RecordSweep records one late-fee sweep.
func (c *Collector) RecordSweep(updated, skipped int, duration time.Duration, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.sweepRuns.WithLabelValues(result).Inc()
	c.sweepLoans.WithLabelValues("updated").Add(float64(updated))
	c.sweepLoans.WithLabelValues("skipped").Add(float64(skipped))
	c.sweepDuration.Observe(duration.Seconds())
}

// InstrumentHandler wraps next with HTTP metrics collection. Paths are
// labelled with the chi route pattern so membership numbers do not explode
// label cardinality.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
