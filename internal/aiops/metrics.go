package aiops

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "incidentarchive",
		Subsystem: "aiops",
		Name:      "call_duration_seconds",
		Help:      "Incident detail service call duration by operation and HTTP status",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"operation", "status"},
)

func observeCall(operation, status string, duration time.Duration) {
	callDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}
