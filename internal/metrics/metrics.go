// Package metrics provides Prometheus instrumentation for the yield engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// OperationsTotal counts engine operations by name and outcome kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_yield_operations_total",
		Help: "Total engine operations, partitioned by operation and result",
	}, []string{"op", "result"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_yield_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TotalStaked tracks the currently staked base amount per pool.
	TotalStaked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_yield_total_staked",
		Help: "Base-asset amount currently staked, in base units",
	}, []string{"pool"})

	// AccRewardPerShare tracks each pool's accumulator.
	AccRewardPerShare = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_yield_acc_reward_per_share",
		Help: "Accumulated reward per staked unit, scaled by 1e18",
	}, []string{"pool"})

	// RewardsPaid counts rewards delivered per pool.
	RewardsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_yield_rewards_paid_total",
		Help: "Cumulative rewards delivered, in base units",
	}, []string{"pool"})

	// Penalties counts early-unstake penalties per pool.
	Penalties = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_yield_penalties_total",
		Help: "Cumulative early-unstake penalties, in base units",
	}, []string{"pool"})

	// ReconciliationShortfall is the last observed shortfall per custody
	// account and asset; zero when balanced.
	ReconciliationShortfall = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_yield_reconciliation_shortfall",
		Help: "Expected minus actual custody balance when positive, in base units",
	}, []string{"custody", "asset"})

	// Alarms counts raised operational alarms by kind.
	Alarms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_yield_alarms_total",
		Help: "Operational alarms raised",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_yield_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_yield_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_yield_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests rejected by the per-caller limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_yield_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

// Amount converts a base-unit amount to a float for gauges. Precision loss
// is acceptable here; metrics are never used for settlement.
func Amount(v *uint256.Int) float64 {
	return decimal.RequireFromString(v.Dec()).InexactFloat64()
}

// PoolLabel formats a pool ID as a metric label.
func PoolLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Observe records one engine operation.
func Observe(op, result string, started time.Time) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Unwrap exposes the underlying writer so WebSocket upgrades can hijack it.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
