// Package metrics содержит счётчики Prometheus сервиса marketpay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketpay"

var (
	// HTTPRequestsTotal считает HTTP-запросы по методу, шаблону пути и классу статуса.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DepositsCredited считает депозиты, зачисленные по вебхуку.
	DepositsCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_credited_total",
			Help:      "Deposits credited to buyer wallets.",
		},
	)

	// WebhookEvents считает события шлюза по типу и результату обработки.
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by event type and result.",
		},
		[]string{"event", "result"},
	)

	// Withdrawals считает выводы средств по исходу.
	Withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawal requests by outcome.",
		},
		[]string{"outcome"},
	)

	Compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawal_compensations_total",
			Help:      "Withdrawal compensations by trigger.",
		},
		[]string{"trigger"},
	)

	// ManualReconciliation считает случаи, когда компенсация не удалась и нужна ручная сверка.
	ManualReconciliation = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_reconciliation_total",
			Help:      "Failed compensations that require manual reconciliation.",
		},
	)

	EscrowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by target status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DepositsCredited,
		WebhookEvents,
		Withdrawals,
		Compensations,
		ManualReconciliation,
		EscrowTransitions,
	)
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware записывает число и длительность HTTP-запросов по шаблону маршрута chi.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
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

func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
