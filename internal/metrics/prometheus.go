// Package metrics contains the HTTP middleware and booking counters exposed on
// /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple servers in one
// process don't collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	totalRequests *prometheus.CounterVec
	duration      *prometheus.HistogramVec

	bookings        *prometheus.CounterVec
	bookingDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		totalRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP Requests.",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_duration_seconds",
				Help:    "HTTP Requests Duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		bookings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_attempts_total",
				Help: "Appointment booking attempts by concurrency path and outcome.",
			},
			[]string{"path", "outcome"},
		),
		bookingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "booking_duration_seconds",
				Help:    "Time spent in CreateAppointment by concurrency path.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"path"},
		),
	}

	m.registry.MustRegister(
		m.totalRequests,
		m.duration,
		m.bookings,
		m.bookingDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments the given request and registers metrics. Requests
// are labelled by chi route pattern rather than raw URI to keep cardinality
// bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.totalRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveBooking implements booking.Observer.
func (m *Metrics) ObserveBooking(path, outcome string, elapsed time.Duration) {
	m.bookings.WithLabelValues(path, outcome).Inc()
	m.bookingDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
