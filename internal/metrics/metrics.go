// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// TradesTotal counts spot trades recorded, partitioned by side and venue.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptrade_spot_trades_total",
		Help: "Total number of spot trades recorded",
	}, []string{"side", "exchange"})

	// TradeLatency tracks end-to-end settlement latency per operation.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cryptrade_settlement_latency_seconds",
		Help:    "Settlement operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// PortfolioFailures counts position updates that failed after the trade
	// was recorded. The position needs a resync.
	PortfolioFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptrade_portfolio_update_failures_total",
		Help: "Position updates that failed after trade recording",
	})

	// OptionsOpened counts binary options created by direction.
	OptionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptrade_options_opened_total",
		Help: "Binary options opened",
	}, []string{"direction"})

	// OptionsResolved counts terminal transitions by status and path
	// (expiry, early, void).
	OptionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptrade_options_resolved_total",
		Help: "Binary options resolved",
	}, []string{"status", "path"})

	// PayoutsTotal accumulates credited payouts. Approximate: float64.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cryptrade_payouts_total",
		Help: "Sum of payouts credited to balances",
	})

	// SweepItems counts sweep candidates by outcome (resolved, skipped, failed).
	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptrade_sweep_items_total",
		Help: "Options processed by expiry sweeps",
	}, []string{"outcome"})

	// PriceLookupDuration tracks price source latency by result.
	PriceLookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cryptrade_price_lookup_seconds",
		Help:    "Price source lookup latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cryptrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cryptrade_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern ("/api/v1/binary-options/{id}")
// so ids do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// ObserveSince records the time elapsed since start for operation.
func ObserveSince(operation string, start time.Time) {
	TradeLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
