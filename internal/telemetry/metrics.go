package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_transitions_total", Help: "Lifecycle actions by action and result"}, []string{"action", "result"})
	LedgerEntries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_ledger_entries_total", Help: "Activity entries written by action"}, []string{"action"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	DeliveryFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_delivery_failures_total", Help: "Result deliveries rejected by the notifier"})
	PaymentSessions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payment_sessions_total", Help: "Collector sessions by terminal state"}, []string{"state"})
	PaymentPolls       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payment_polls_total", Help: "Settlement polls by outcome"}, []string{"outcome"})
	PaymentPollLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "payment_poll_seconds", Help: "Settlement poll latency", Buckets: prometheus.DefBuckets})
	CollectingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payment_sessions_collecting", Help: "Sessions currently polling for settlement"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			LedgerEntries,
			RateLimitRejects,
			DeliveryFailures,
			PaymentSessions,
			PaymentPolls,
			PaymentPollLatency,
			CollectingGauge,
		)
	})
	return promhttp.Handler()
}
