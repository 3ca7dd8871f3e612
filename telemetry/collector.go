package telemetry

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the transaction core used for gauges
type Snapshot struct {
	LockHeadsInUse int
	ActiveTxns     int
	BufferEntries  int
	MaxCommitSeq   uint64
	MergeSeq       uint64
}

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	MetricsSnapshot() Snapshot
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	s := mc.provider.MetricsSnapshot()
	LockHeadsInUse.Set(float64(s.LockHeadsInUse))
	TxnActive.Set(float64(s.ActiveTxns))
	TxnBufferEntries.Set(float64(s.BufferEntries))
	TxnMaxCommitSeq.Set(float64(s.MaxCommitSeq))
	TxnMergeSeq.Set(float64(s.MergeSeq))
}
