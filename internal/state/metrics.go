package state

const (
	MetricQueueDepth      = "queue.depth"
	MetricTimeSinceDrain  = "queue.time_since_drain_ms"
	MetricBatchesPerSec   = "executor.batches_per_sec"
	MetricAvgBatchSize    = "executor.avg_batch_size"
	MetricRetryCount      = "executor.retry_count"
	MetricPoolOccupancy   = "pool.occupancy"
	MetricConnectionCount = "pool.connections"
)
