package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	apiRequests    atomic.Uint64
	apiErrors      atomic.Uint64
	cacheHits      atomic.Uint64
	snapshotWrites atomic.Uint64
	walletPolls    atomic.Uint64

	// Latency tracking for provider requests
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordRequest records a provider request with its latency.
func (m *Metrics) RecordRequest(latencyNs int64) {
	m.apiRequests.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records a failed provider request.
func (m *Metrics) RecordError() {
	m.apiErrors.Add(1)
}

// RecordCacheHit records a response served from the local cache.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordSnapshotWrite records a persisted watchlist snapshot.
func (m *Metrics) RecordSnapshotWrite() {
	m.snapshotWrites.Add(1)
}

// RecordWalletPoll records one wallet balance poll.
func (m *Metrics) RecordWalletPoll() {
	m.walletPolls.Add(1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	APIRequests    uint64
	APIErrors      uint64
	CacheHits      uint64
	SnapshotWrites uint64
	WalletPolls    uint64
	AvgLatencyNs   int64
	Timestamp      time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		APIRequests:    m.apiRequests.Load(),
		APIErrors:      m.apiErrors.Load(),
		CacheHits:      m.cacheHits.Load(),
		SnapshotWrites: m.snapshotWrites.Load(),
		WalletPolls:    m.walletPolls.Load(),
		AvgLatencyNs:   avgLatency,
		Timestamp:      time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.apiRequests.Store(0)
	m.apiErrors.Store(0)
	m.cacheHits.Store(0)
	m.snapshotWrites.Store(0)
	m.walletPolls.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
}
