package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "circulation",
		Name:      "transitions_total",
		Help:      "Copy transition requests by source status, target status and result.",
	}, []string{"from", "to", "result"})

	promotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "circulation",
		Name:      "promotions_total",
		Help:      "Reservations turned into RESERVED holds on release.",
	})

	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "circulation",
		Name:      "reservations_total",
		Help:      "Accepted reservations by outcome.",
	}, []string{"status"})

	sweepHoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "circulation",
		Name:      "sweep_holds_total",
		Help:      "Expired holds processed by the sweeper.",
	}, []string{"result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "circulation",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one expiry sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)
