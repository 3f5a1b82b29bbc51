package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	redemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotion_redemptions_total",
			Help: "Promotions applied to orders, by promotion type.",
		},
		[]string{"type"},
	)

	declinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotion_declines_total",
			Help: "Apply-to-cart calls declined for eligibility, by reason.",
		},
		[]string{"reason"},
	)

	releasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promotion_releases_total",
			Help: "Redemptions released back to their promotion.",
		},
	)

	ledgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotion_ledger_operations_total",
			Help: "Ledger operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	ledgerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promotion_ledger_duration_seconds",
			Help:    "Latency of ledger operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
