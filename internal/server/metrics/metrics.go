// Package metrics exposes Prometheus collectors for the pilot auth server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeThrottled = "throttled"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	PilotsRegisteredTotal prometheus.Counter
	CredentialsIssued     prometheus.Counter
	LoginsTotal           *prometheus.CounterVec
	RefreshesTotal        *prometheus.CounterVec
	RefreshTokensPurged   prometheus.Counter
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilotauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilotauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PilotsRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilotauth_pilots_registered_total",
			Help: "Total number of pilot references registered",
		}),
		CredentialsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilotauth_credentials_issued_total",
			Help: "Total number of pilot secrets issued",
		}),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilotauth_pilot_logins_total",
				Help: "Pilot login attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilotauth_token_refreshes_total",
				Help: "Pilot refresh token exchanges by outcome",
			},
			[]string{"outcome"},
		),
		RefreshTokensPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilotauth_refresh_tokens_purged_total",
			Help: "Expired refresh tokens removed from the store",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PilotsRegisteredTotal,
		m.CredentialsIssued,
		m.LoginsTotal,
		m.RefreshesTotal,
		m.RefreshTokensPurged,
	)

	return m
}

func (m *Metrics) PilotsRegistered(n int) {
	if m == nil {
		return
	}
	m.PilotsRegisteredTotal.Add(float64(n))
}

func (m *Metrics) SecretsIssued(n int) {
	if m == nil {
		return
	}
	m.CredentialsIssued.Add(float64(n))
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokensPurged(n int64) {
	if m == nil {
		return
	}
	m.RefreshTokensPurged.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware instruments requests. Routes are labelled by their mux
// template so query strings and path values do not explode cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
