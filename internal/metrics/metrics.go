// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommitmentsTotal counts commitment creation attempts by result
	// (created, validation_failed, conflict, error).
	CommitmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commitments_total",
		Help: "Total commitment creation attempts by result",
	}, []string{"result"})

	// CommitmentRetries counts optimistic-concurrency retries during
	// commitment creation.
	CommitmentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_commitment_retries_total",
		Help: "Balance version conflicts retried during commitment creation",
	})

	// CommitmentLatency tracks commitment creation latency.
	CommitmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_commitment_latency_seconds",
		Help:    "Commitment creation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ReconciliationRuns counts balance audits by outcome (clean, drift).
	ReconciliationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_runs_total",
		Help: "Balance audits by outcome",
	}, []string{"outcome"})

	// BalancesFixed counts balances overwritten by reconciliation.
	BalancesFixed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_balances_fixed_total",
		Help: "Stored balances overwritten with recomputed values",
	})

	// TransactionsTotal counts ledger entries appended, by type.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Token transactions appended to the log",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
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

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
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

// Hijack passes through to the underlying writer so the WebSocket
// upgrade works behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
