package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordDBPoolMetrics updates database pool metrics.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}

// RecordSyncQueueMetrics updates sync stream backlog metrics.
func RecordSyncQueueMetrics(length, pending, deadLettered int64) {
	SyncQueueMessages.WithLabelValues("stream").Set(float64(length))
	SyncQueueMessages.WithLabelValues("pending").Set(float64(pending))
	SyncQueueMessages.WithLabelValues("dead_lettered").Set(float64(deadLettered))
}
