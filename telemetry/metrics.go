package telemetry

// Histogram bucket definitions
var (
	// BatchSizeBuckets for messages per queue fetch
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Change tailer metrics
var (
	// CDCRowsTotal counts rows handed to consumers by table and result (ok, skipped, failed)
	CDCRowsTotal CounterVec = noopCounterVec{}

	// CDCWindowsTotal counts processed windows by table and result (ok, empty, read_error, stopped)
	CDCWindowsTotal CounterVec = noopCounterVec{}

	// CDCCheckpointLagSeconds tracks how far each table's checkpoint trails wall clock
	CDCCheckpointLagSeconds GaugeVec = noopGaugeVec{}
)

// Replication metrics
var (
	// ReplicatorEventsTotal counts replicated events by operation and result
	ReplicatorEventsTotal CounterVec = noopCounterVec{}
)

// Queue consumer metrics
var (
	// QueueMessagesTotal counts consumed messages by operation and result
	QueueMessagesTotal CounterVec = noopCounterVec{}

	// QueueBatchesTotal counts fetched batches by result (committed, aborted, empty)
	QueueBatchesTotal CounterVec = noopCounterVec{}

	// QueueBatchSize measures messages per fetched batch
	QueueBatchSize Histogram = NoopStat{}

	// IndexRequestsTotal counts full-text index requests by operation and result
	IndexRequestsTotal CounterVec = noopCounterVec{}
)

// Credential cache metrics
var (
	// CacheLookupsTotal counts lookups by result (hit, miss, store_hit, store_miss, cache_error)
	CacheLookupsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	CDCRowsTotal = NewCounterVec(
		"cdc_rows_total",
		"CDC rows consumed by table and result",
		[]string{"table", "result"},
	)
	CDCWindowsTotal = NewCounterVec(
		"cdc_windows_total",
		"CDC windows processed by table and result",
		[]string{"table", "result"},
	)
	CDCCheckpointLagSeconds = NewGaugeVec(
		"cdc_checkpoint_lag_seconds",
		"Seconds between wall clock and the table checkpoint",
		[]string{"table"},
	)

	ReplicatorEventsTotal = NewCounterVec(
		"replicator_events_total",
		"Replicated domain events by operation and result",
		[]string{"operation", "result"},
	)

	QueueMessagesTotal = NewCounterVec(
		"queue_messages_total",
		"Queue messages by operation and result",
		[]string{"operation", "result"},
	)
	QueueBatchesTotal = NewCounterVec(
		"queue_batches_total",
		"Queue fetch batches by result",
		[]string{"result"},
	)
	QueueBatchSize = NewHistogramWithBuckets(
		"queue_batch_size",
		"Messages per queue fetch batch",
		BatchSizeBuckets,
	)
	IndexRequestsTotal = NewCounterVec(
		"index_requests_total",
		"Full-text index requests by operation and result",
		[]string{"operation", "result"},
	)

	CacheLookupsTotal = NewCounterVec(
		"cache_lookups_total",
		"Credential lookups by result",
		[]string{"result"},
	)
}
