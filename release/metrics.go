package release

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_release_claimed_total",
		Help: "Transactions claimed for automatic release.",
	})

	releasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_release_success_total",
		Help: "Transactions fully captured, paid out and finalized.",
	})

	releaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_release_failures_total",
		Help: "Release attempts that failed, by pipeline stage.",
	}, []string{"stage"})

	claimsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_claims_reaped_total",
		Help: "Stuck claims returned to a retryable status by the reaper.",
	})
)
