package incident

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentarchive"

var (
	syncMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Total sync messages handled by type and result",
		},
		[]string{"sync_type", "result"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Time to handle one sync message",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"sync_type"},
	)

	workerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deliveries_total",
			Help:      "Queue deliveries by outcome: acked, dead_lettered or pending",
		},
		[]string{"outcome"},
	)
)

func recordSync(syncType, result string, duration time.Duration) {
	syncMessagesProcessed.WithLabelValues(syncType, result).Inc()
	syncDuration.WithLabelValues(syncType).Observe(duration.Seconds())
}

func recordDelivery(outcome string) {
	workerDeliveries.WithLabelValues(outcome).Inc()
}
