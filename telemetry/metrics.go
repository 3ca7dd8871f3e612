package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// LockWaitBuckets for time parked on a lock request
	LockWaitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

	// CheckpointBuckets for buffer save passes
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5}
)

// Lock Manager Metrics
var (
	// LockRequestsTotal counts acquire outcomes by result (ok, would_block, timeout)
	LockRequestsTotal CounterVec = noopCounterVec{}

	// LockWaitSeconds measures how long callers stay parked in Wait
	LockWaitSeconds Histogram = NoopStat{}

	// LockDeadlocksTotal counts requests denied by deadlock detection
	LockDeadlocksTotal Counter = NoopStat{}

	// LockEscalationsTotal counts row-to-table escalations
	LockEscalationsTotal Counter = NoopStat{}

	// LockHeadsInUse tracks lock names currently held or waited on
	LockHeadsInUse Gauge = NoopStat{}
)

// Transaction State Metrics
var (
	// TxnActive tracks transactions on the active list
	TxnActive Gauge = NoopStat{}

	// TxnMaxCommitSeq tracks the read level handed to new transactions
	TxnMaxCommitSeq Gauge = NoopStat{}

	// TxnMergeSeq tracks the floor below which merge may compact
	TxnMergeSeq Gauge = NoopStat{}

	// TxnBufferEntries tracks statement mappings held in the buffer
	TxnBufferEntries Gauge = NoopStat{}

	// TxnBufferCleanedTotal counts entries removed by clean passes
	TxnBufferCleanedTotal Counter = NoopStat{}

	// TxnReadLevelsReleasedTotal counts read levels dropped to unblock merge
	TxnReadLevelsReleasedTotal Counter = NoopStat{}
)

// Background Task Metrics
var (
	// CheckpointDurationSeconds measures buffer save latency
	CheckpointDurationSeconds Histogram = NoopStat{}

	// MergePassTotal counts merge passes by result (cleaned, idle, failed)
	MergePassTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all metrics. Must be called after InitializeTelemetry.
func InitMetrics() {
	LockRequestsTotal = NewCounterVec(
		"lock_requests_total",
		"Lock acquire outcomes by result",
		[]string{"result"},
	)
	LockWaitSeconds = NewHistogramWithBuckets(
		"lock_wait_seconds",
		"Time parked waiting for a lock in seconds",
		LockWaitBuckets,
	)
	LockDeadlocksTotal = NewCounter(
		"lock_deadlocks_total",
		"Lock requests denied because they would close a wait-for cycle",
	)
	LockEscalationsTotal = NewCounter(
		"lock_escalations_total",
		"Row lock sets replaced by a table lock",
	)
	LockHeadsInUse = NewGauge(
		"lock_heads_in_use",
		"Lock names currently held or waited on",
	)

	TxnActive = NewGauge(
		"txn_active",
		"Transactions on the active list",
	)
	TxnMaxCommitSeq = NewGauge(
		"txn_max_commit_seq",
		"Highest commit sequence number visible to new transactions",
	)
	TxnMergeSeq = NewGauge(
		"txn_merge_seq",
		"Commit sequence number below which merge may compact",
	)
	TxnBufferEntries = NewGauge(
		"txn_buffer_entries",
		"Statement mappings held in the transaction buffer",
	)
	TxnBufferCleanedTotal = NewCounter(
		"txn_buffer_cleaned_total",
		"Transaction buffer entries removed by clean passes",
	)
	TxnReadLevelsReleasedTotal = NewCounter(
		"txn_read_levels_released_total",
		"Read levels released to unblock the merge process",
	)

	CheckpointDurationSeconds = NewHistogramWithBuckets(
		"checkpoint_duration_seconds",
		"Transaction buffer checkpoint duration in seconds",
		CheckpointBuckets,
	)
	MergePassTotal = NewCounterVec(
		"merge_pass_total",
		"Background merge passes by result",
		[]string{"result"},
	)
}
