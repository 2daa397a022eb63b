package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksIndexed tracks blocks committed by the ingest worker
	BlocksIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_blocks_indexed_total",
			Help: "Total number of blocks committed to the index",
		},
		[]string{"network", "outcome"},
	)

	// NodeCallsTotal tracks upstream node calls per endpoint and method
	NodeCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_node_calls_total",
			Help: "Total number of upstream node calls",
		},
		[]string{"endpoint", "method"},
	)

	// NodeErrorsTotal tracks failed node calls
	NodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_node_errors_total",
			Help: "Total number of failed upstream node calls",
		},
		[]string{"endpoint", "error_type"},
	)

	// NodeLatency tracks node call latency
	NodeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockindex_node_latency_seconds",
			Help:    "Upstream node call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// ChainHeight tracks the node's current height
	ChainHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindex_chain_height",
			Help: "Current chain height reported by the node",
		},
		[]string{"network"},
	)

	// FinalizedHeight tracks the node's finalized height
	FinalizedHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindex_finalized_height",
			Help: "Finalized height reported by the node",
		},
		[]string{"network"},
	)

	// IndexVerifiedHeight tracks the gap-free watermark
	IndexVerifiedHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindex_index_verified_height",
			Help: "Height below which the index has no gaps",
		},
		[]string{"network"},
	)

	// IndexCompletion tracks the indexed share of the chain in percent
	IndexCompletion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindex_index_completion_percent",
			Help: "Percentage of chain heights present in the index",
		},
		[]string{"network"},
	)

	// IndexReady is 1 once the index ready signal has fired
	IndexReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindex_index_ready",
			Help: "Whether the index ready signal has fired",
		},
		[]string{"network"},
	)

	// ForksDetected tracks fork rollbacks
	ForksDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_forks_detected_total",
			Help: "Total number of forks rolled back",
		},
		[]string{"network"},
	)

	// ForksBelowFinality tracks forks that were refused because they touch final blocks
	ForksBelowFinality = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_fork_below_finality_total",
			Help: "Total number of forks detected at or below the finalized height",
		},
		[]string{"network"},
	)

	// RollbackDepth tracks how many blocks a rollback removed
	RollbackDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockindex_rollback_depth_blocks",
			Help:    "Number of blocks removed by a fork rollback",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		},
		[]string{"network"},
	)

	// BlocksMarkedFinal tracks finality transitions
	BlocksMarkedFinal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_blocks_marked_final_total",
			Help: "Total number of blocks flipped to final",
		},
		[]string{"network"},
	)

	// GapsFound tracks missing ranges found by the gap scanner
	GapsFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_gaps_found_total",
			Help: "Total number of missing height ranges detected",
		},
		[]string{"network"},
	)

	// JobsTotal tracks finished queue jobs
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_jobs_total",
			Help: "Total number of queue jobs by final status",
		},
		[]string{"queue", "status"},
	)

	// JobRetries tracks retried attempts
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_job_retries_total",
			Help: "Total number of job retries",
		},
		[]string{"queue", "category"},
	)

	// JobDuration tracks job latency including retries
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockindex_job_duration_seconds",
			Help:    "Queue job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// QueueWaiting tracks jobs waiting for a worker
	QueueWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockindex_queue_waiting_jobs",
			Help: "Number of jobs waiting in a queue",
		},
		[]string{"queue"},
	)

	// FailedJobs tracks the size of the failed-job ledger
	FailedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockindex_failed_jobs",
			Help: "Number of jobs in the failed-job ledger",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockindex_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool limit",
		},
	)

	// DBTransactionRetries tracks transient store errors
	DBTransactionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockindex_db_transient_errors_total",
			Help: "Total number of transient database errors by SQLSTATE",
		},
		[]string{"code"},
	)
)
