/*
metrics.go - Prometheus instrumentation

Request counters and latency histograms labeled by method, route
pattern, and status. Route patterns (not raw paths) keep cardinality
bounded. Scraped from /metrics.
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credit_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_webhooks_total",
		Help: "Processor webhooks by ack status",
	}, []string{"status"})

	sessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_sessions_expired_total",
		Help: "Sessions moved to Expired by the sweep",
	})
)

// Metrics is a chi middleware recording request counts and latency.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// CountWebhook records a webhook ack outcome.
func CountWebhook(status string) {
	webhooksTotal.WithLabelValues(status).Inc()
}

// CountExpired records sessions expired by the sweep.
func CountExpired(n int) {
	sessionsExpiredTotal.Add(float64(n))
}
