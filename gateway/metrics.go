package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_bids_accepted_total",
		Help: "Number of bids accepted by the auction controller.",
	})

	bidsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_bids_rejected_total",
		Help: "Number of bids rejected by validation.",
	})

	withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_withdrawals_total",
		Help: "Number of successful fund withdrawals by kind.",
	}, []string{"kind"})

	highBidValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_high_bid",
		Help: "Current high bid in base units.",
	})
)
