// Package metrics defines the Prometheus collectors shared across the
// scheduler, delivery engine, and deferred loop: queue depth per queue and
// delivery attempt/success/failure counters, grounded on maddy's
// target/queue/metrics.go and target/remote/metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coremta",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Number of entries currently in a queue directory.",
		},
		[]string{"queue"},
	)

	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coremta",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts per transport.",
		},
		[]string{"transport"},
	)

	DeliveryResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coremta",
			Subsystem: "delivery",
			Name:      "results_total",
			Help:      "Per-recipient delivery outcomes per transport.",
		},
		[]string{"transport", "result"},
	)

	FilterVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coremta",
			Subsystem: "filter",
			Name:      "verdicts_total",
			Help:      "Filter engine verdicts per stage.",
		},
		[]string{"stage", "verdict"},
	)
)

func init() {
	prometheus.MustRegister(QueueLength, DeliveryAttempts, DeliveryResults, FilterVerdicts)
}
