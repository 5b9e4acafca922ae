// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"bufio"
	"fmt"
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
	// OrdersTotal counts orders by side and result ("executed" or the
	// rejection kind).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_total",
		Help: "Total number of orders processed",
	}, []string{"side", "result"})

	// OrderLatency tracks end-to-end order execution latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// CommitConflicts counts commits rejected by the account version check.
	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_commit_conflicts_total",
		Help: "Trade commits rejected by a concurrent account modification",
	})

	// TradedShares tracks cumulative executed quantity per symbol.
	TradedShares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_traded_shares_total",
		Help: "Cumulative executed quantity in shares",
	}, []string{"symbol", "side"})

	// AccountsOpened counts accounts created.
	AccountsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_accounts_opened_total",
		Help: "Number of accounts opened",
	})

	// ActiveInstruments tracks the number of tradeable instruments.
	ActiveInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_instruments",
		Help: "Number of tradeable instruments",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts trade events handed to publishers, by sink and
	// outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_published_total",
		Help: "Trade events delivered to publishers",
	}, []string{"sink", "outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOrder records the outcome of one order.
func ObserveOrder(side, result string, started time.Time) {
	OrdersTotal.WithLabelValues(side, result).Inc()
	OrderLatency.WithLabelValues(side).Observe(time.Since(started).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern so owner IDs and symbols don't explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
