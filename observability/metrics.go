package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

var (
	// Commission run metrics
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_runs_total",
		Help: "Total commit runs by family and final status",
	}, []string{
		"family", // advance, paythru, renewal
		"status", // completed, failed
	})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "commission_run_duration_seconds",
		Help: "Wall time of one commit run",
		// Buckets: 100ms to 10 minutes (batch passes over the whole book)
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
	}, []string{
		"family",
	})

	ledgerRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_ledger_rows_total",
		Help: "Accrual rows inserted (duplicates dropped by the unique key are not counted)",
	}, []string{
		"family",
		"entry_type", // advance, paythru, renewal, override
	})

	skipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_skips_total",
		Help: "Policies or chain levels skipped for a configuration gap",
	}, []string{
		"family",
		"reason",
	})

	// Payout metrics
	payoutBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_payout_batches_total",
		Help: "Batch gate decisions per agent",
	}, []string{
		"family",
		"outcome", // payable, below_threshold, nothing_accrued
	})

	payoutNetCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_payout_net_cents_total",
		Help: "Net paid out in cents after debt repayment",
	}, []string{
		"family",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Recorder implements commission.Recorder on the package collectors.
type Recorder struct{}

var _ commission.Recorder = Recorder{}

// NewRecorder returns the Prometheus-backed run recorder.
func NewRecorder() Recorder {
	return Recorder{}
}

// RunFinished records the outcome and duration of a commit run
func (Recorder) RunFinished(family commission.RunFamily, status commission.RunStatus, elapsed time.Duration) {
	runsTotal.WithLabelValues(string(family), string(status)).Inc()
	runDuration.WithLabelValues(string(family)).Observe(elapsed.Seconds())
}

// RowsWritten records inserted accrual rows
func (Recorder) RowsWritten(family commission.RunFamily, entryType commission.EntryType, n int) {
	ledgerRowsTotal.WithLabelValues(string(family), string(entryType)).Add(float64(n))
}

// PolicySkipped records soft skips
func (Recorder) PolicySkipped(family commission.RunFamily, reason commission.SkipReason, n int) {
	skipsTotal.WithLabelValues(string(family), string(reason)).Add(float64(n))
}

// BatchGated records one agent's gate decision.
// Only payable batches count toward net paid.
func (Recorder) BatchGated(family commission.RunFamily, outcome commission.Outcome, net decimal.Decimal) {
	payoutBatchesTotal.WithLabelValues(string(family), string(outcome)).Inc()
	if outcome == commission.OutcomePayable {
		payoutNetCents.WithLabelValues(string(family)).Add(commission.Cents(net))
	}
}

// HTTPMetrics is chi middleware recording request counts and latency by
// route pattern, so path parameters do not explode label cardinality.
func HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
