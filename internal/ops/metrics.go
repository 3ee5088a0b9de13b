// Package ops exposes operational surfaces for the long-running scanners:
// prometheus collectors and a small health/metrics HTTP endpoint.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanCyclesTotal counts completed scanner cycles per loop kind.
	ScanCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Name:      "scan_cycles_total",
		Help:      "Completed scan cycles.",
	}, []string{"loop"})

	// OpportunitiesTotal counts favorable verdicts surfaced to the sink.
	OpportunitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Name:      "opportunities_total",
		Help:      "Favorable opportunities emitted.",
	}, []string{"loop"})

	// OrdersPlacedTotal counts orders sent by the execution engine.
	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Name:      "orders_placed_total",
		Help:      "Orders placed, by venue and outcome.",
	}, []string{"venue", "outcome"})
)
