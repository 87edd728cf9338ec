// Package telemetry provides observability primitives for the token ledger.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the ledger.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ActiveRequests       prometheus.Gauge
	StoreDuration        *prometheus.HistogramVec
	StoreErrors          *prometheus.CounterVec
	TokensConsumed       *prometheus.CounterVec
	QuotaExceeded        *prometheus.CounterVec
	CompensationFailures *prometheus.CounterVec
	QuotaResets          *prometheus.CounterVec
	ConsumeOutcomes      *prometheus.CounterVec
	UsageQueueLength     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tokenledger",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokenledger",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tokenledger",
			Name:                            "store_duration_seconds",
			Help:                            "Ledger store call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"limiter", "op"}),

		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "store_errors_total",
			Help:      "Total ledger store operation failures.",
		}, []string{"limiter", "op"}),

		TokensConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "tokens_consumed_total",
			Help:      "Total tokens debited from quotas.",
		}, []string{"limiter"}),

		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "quota_exceeded_total",
			Help:      "Total consumptions refused for insufficient quota.",
		}, []string{"limiter"}),

		CompensationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "compensation_failures_total",
			Help:      "Total rollback credits that could not be applied.",
		}, []string{"limiter"}),

		QuotaResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "quota_resets_total",
			Help:      "Total scheduled or manual quota revokes and top-ups.",
		}, []string{"limiter", "kind"}),

		ConsumeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenledger",
			Name:      "consume_outcomes_total",
			Help:      "Consume API calls by outcome.",
		}, []string{"outcome"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokenledger",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.StoreDuration,
		m.StoreErrors,
		m.TokensConsumed,
		m.QuotaExceeded,
		m.CompensationFailures,
		m.QuotaResets,
		m.ConsumeOutcomes,
		m.UsageQueueLength,
	)

	return m
}
