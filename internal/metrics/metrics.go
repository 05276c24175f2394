// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine and its admin surface.
type Metrics struct {
	// gRPC admin-surface metrics (health checks, reflection).
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Transaction metrics.
	TxCommitsTotal   prometheus.Counter
	TxRollbacksTotal prometheus.Counter
	TxCommitDuration prometheus.Histogram
	TxPagesWritten   prometheus.Counter

	// Page allocator / freelist metrics.
	PagesAllocatedTotal prometheus.Counter
	PagesFreedTotal     prometheus.Counter
	FreelistPageCount   prometheus.Gauge
	MaxPageId           prometheus.Gauge

	// mmap / file metrics.
	MmapSizeBytes   prometheus.Gauge
	MmapRemapsTotal prometheus.Counter

	// Reader concurrency metrics.
	ActiveReadTxns prometheus.Gauge

	// Server metrics.
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_grpc_requests_total",
			Help: "Total number of gRPC requests to the admin surface",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.TxCommitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tx_commits_total",
			Help: "Total number of write transactions committed",
		},
	)

	m.TxRollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tx_rollbacks_total",
			Help: "Total number of transactions rolled back",
		},
	)

	m.TxCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_tx_commit_duration_seconds",
			Help:    "Duration of transaction commits in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	m.TxPagesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tx_pages_written_total",
			Help: "Total number of dirty pages written across all commits",
		},
	)

	m.PagesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_pages_allocated_total",
			Help: "Total number of pages allocated from the freelist or file growth",
		},
	)

	m.PagesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_pages_freed_total",
			Help: "Total number of pages released back to the freelist",
		},
	)

	m.FreelistPageCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_freelist_page_count",
			Help: "Current number of free pages tracked by the freelist",
		},
	)

	m.MaxPageId = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_max_page_id",
			Help: "Current high-water-mark page id",
		},
	)

	m.MmapSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_mmap_size_bytes",
			Help: "Current size of the memory-mapped region in bytes",
		},
	)

	m.MmapRemapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_mmap_remaps_total",
			Help: "Total number of times the mmap region was grown and remapped",
		},
	)

	m.ActiveReadTxns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_active_read_transactions",
			Help: "Current number of open read-only transactions",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordGrpcRequest records a gRPC request with its status.
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCommit records a successful write-transaction commit.
func (m *Metrics) RecordCommit(pagesWritten int, duration time.Duration) {
	m.TxCommitsTotal.Inc()
	m.TxCommitDuration.Observe(duration.Seconds())
	m.TxPagesWritten.Add(float64(pagesWritten))
}

// RecordRollback records an aborted transaction.
func (m *Metrics) RecordRollback() {
	m.TxRollbacksTotal.Inc()
}

// RecordAllocate records pages drawn from the freelist or file growth.
func (m *Metrics) RecordAllocate(n int) {
	m.PagesAllocatedTotal.Add(float64(n))
}

// RecordFree records pages released back to the freelist.
func (m *Metrics) RecordFree(n int) {
	m.PagesFreedTotal.Add(float64(n))
}

// RecordRemap records an mmap growth.
func (m *Metrics) RecordRemap(newSize int) {
	m.MmapRemapsTotal.Inc()
	m.MmapSizeBytes.Set(float64(newSize))
}

// UpdateDbStats updates the gauges that reflect a DB.Stats() snapshot.
func (m *Metrics) UpdateDbStats(maxPageId uint64, freePageCount int, mmapSize int, activeReaders int) {
	m.MaxPageId.Set(float64(maxPageId))
	m.FreelistPageCount.Set(float64(freePageCount))
	m.MmapSizeBytes.Set(float64(mmapSize))
	m.ActiveReadTxns.Set(float64(activeReaders))
}
