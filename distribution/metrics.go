package distribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// runsTotal counts distribution runs by mode and outcome
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "value_distribution_runs_total",
		Help: "Total distribution runs by mode and outcome",
	}, []string{"mode", "outcome"})

	// runDuration tracks distribution run latency
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "value_distribution_run_duration_seconds",
		Help:    "Distribution run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"mode"})

	// amountDistributed sums saved distribution amounts
	amountDistributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "value_distribution_amount_total",
		Help: "Total amount distributed by saved runs",
	})

	// claimsSettled counts claim settlements by rule type
	claimsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "value_claims_settled_total",
		Help: "Total claim settlements by claim rule type",
	}, []string{"rule_type"})

	// bucketContributions tracks contributing shares gathered per bucket
	bucketContributions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "value_bucket_contributions",
		Help:    "Number of contributing shares gathered per bucket run",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 10000},
	})
)
