package metrics

import (
	"math/big"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EpochsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "epochs_finalized_total",
		Help:      "Epochs committed to the settlement ledger.",
	}, []string{"campaign"})

	EpochsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "epochs_skipped_total",
		Help:      "Epoch attempts that found nothing payable.",
	}, []string{"campaign"})

	EpochFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "epoch_failures_total",
		Help:      "Epoch attempts that did not finalize, by failure class.",
	}, []string{"campaign", "reason"})

	LastFinalizedEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "last_finalized_epoch",
		Help:      "Highest epoch number finalized per campaign.",
	}, []string{"campaign"})

	EpochPayoutWei = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "epoch_payout_wei_total",
		Help:      "Net base units committed for payout per campaign.",
	}, []string{"campaign"})

	KeeperTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "ticks_total",
		Help:      "Scheduler ticks processed.",
	})

	KeeperTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "tick_seconds",
		Help:      "Wall time spent per scheduler tick.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "keeper",
		Name:      "panics_recovered_total",
		Help:      "Panics caught while settling a campaign.",
	})

	ClaimsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "claims",
		Name:      "processed_total",
		Help:      "Claim verifications by outcome.",
	}, []string{"outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epochpay",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route pattern and status code.",
	}, []string{"route", "code"})
)

// CampaignLabel formats a campaign ID for use as a metric label.
func CampaignLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// WeiValue converts a base-unit amount for counter arithmetic. Precision
// above 2^53 is lost, which is acceptable for monitoring.
func WeiValue(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
