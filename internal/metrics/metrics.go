// Package metrics provides Prometheus instrumentation for the contagion engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StepsTotal counts simulation steps executed, partitioned by policy.
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contagion_steps_total",
		Help: "Total number of simulation steps executed",
	}, []string{"policy"})

	// StepLatency tracks how long one eight-phase step takes.
	StepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contagion_step_latency_seconds",
		Help:    "Simulation step latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"policy"})

	// TransactionsTotal counts executed bank actions by kind.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contagion_transactions_total",
		Help: "Total bank actions executed",
	}, []string{"action"})

	// DefaultsTotal counts bank defaults by cause.
	DefaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contagion_defaults_total",
		Help: "Total bank defaults",
	}, []string{"cause"})

	// CascadeDepth observes the number of waves of each propagation.
	CascadeDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contagion_cascade_depth",
		Help:    "Number of waves per default cascade",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	// CascadeCapReached counts cascades stopped by the depth cap.
	CascadeCapReached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contagion_cascade_cap_reached_total",
		Help: "Cascades terminated by the depth cap",
	})

	// LendingLimitClamps counts loans reduced or blocked by exposure limits.
	LendingLimitClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contagion_lending_limit_clamps_total",
		Help: "Loans reduced or blocked by the exposure limiter",
	})

	// ActiveSimulations tracks sessions held by the manager.
	ActiveSimulations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contagion_active_simulations",
		Help: "Number of simulation sessions in memory",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contagion_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contagion_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contagion_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Session ids are in the path; label by route pattern instead.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
