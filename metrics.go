package brickd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickd-project/brickd/internal/interfaces"
)

var _ interfaces.Observer = (*Metrics)(nil)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks brickd's routing throughput, error rate, and queueing
// behavior. It implements internal/interfaces.Observer so the reactor,
// network, and hardware layers can all report into the same instance
// without importing the root package.
type Metrics struct {
	RequestCount  atomic.Uint64
	RequestErrors atomic.Uint64

	ResponseCount  atomic.Uint64
	ResponseErrors atomic.Uint64

	// Per function_id counters, indexed directly by the byte value.
	RequestsByFunction [256]atomic.Uint64

	DropCount atomic.Uint64
	dropMu    sync.Mutex
	dropByReason map[string]*atomic.Uint64

	ZombieCount atomic.Uint64

	PendingDepthTotal atomic.Uint64
	PendingDepthCount atomic.Uint64
	MaxPendingDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds the
	// count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{dropByReason: make(map[string]*atomic.Uint64)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveRequest implements interfaces.Observer: a request packet was
// routed toward hardware.
func (m *Metrics) ObserveRequest(functionID uint8, latencyNs uint64, success bool) {
	m.RequestCount.Add(1)
	m.RequestsByFunction[functionID].Add(1)
	if !success {
		m.RequestErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveResponse implements interfaces.Observer: a response packet was
// matched (or broadcast) back toward clients.
func (m *Metrics) ObserveResponse(functionID uint8, latencyNs uint64, success bool) {
	m.ResponseCount.Add(1)
	if !success {
		m.ResponseErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// ObserveDrop implements interfaces.Observer, tallying drops by reason
// (e.g. "pending_request_overflow", "usb_write_backlog_overflow").
func (m *Metrics) ObserveDrop(reason string) {
	m.DropCount.Add(1)
	m.dropMu.Lock()
	counter, ok := m.dropByReason[reason]
	if !ok {
		counter = &atomic.Uint64{}
		m.dropByReason[reason] = counter
	}
	m.dropMu.Unlock()
	counter.Add(1)
}

// ObserveZombie implements interfaces.Observer: a disconnected client's
// pending requests were handed off to a zombie.
func (m *Metrics) ObserveZombie() {
	m.ZombieCount.Add(1)
}

// ObservePendingDepth implements interfaces.Observer, tracking the global
// pending-request table's depth over time.
func (m *Metrics) ObservePendingDepth(depth uint32) {
	m.PendingDepthTotal.Add(uint64(depth))
	m.PendingDepthCount.Add(1)
	for {
		current := m.MaxPendingDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxPendingDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// DropsByReason returns a point-in-time copy of drop counts by reason.
func (m *Metrics) DropsByReason() map[string]uint64 {
	m.dropMu.Lock()
	defer m.dropMu.Unlock()
	out := make(map[string]uint64, len(m.dropByReason))
	for reason, counter := range m.dropByReason {
		out[reason] = counter.Load()
	}
	return out
}

// Stop marks the daemon as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic view of Metrics.
type MetricsSnapshot struct {
	RequestCount   uint64
	RequestErrors  uint64
	ResponseCount  uint64
	ResponseErrors uint64
	DropCount      uint64
	ZombieCount    uint64

	AvgPendingDepth float64
	MaxPendingDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	RequestRate float64 // requests per second
	ErrorRate   float64 // percentage of failed requests+responses
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestCount:    m.RequestCount.Load(),
		RequestErrors:   m.RequestErrors.Load(),
		ResponseCount:   m.ResponseCount.Load(),
		ResponseErrors:  m.ResponseErrors.Load(),
		DropCount:       m.DropCount.Load(),
		ZombieCount:     m.ZombieCount.Load(),
		MaxPendingDepth: m.MaxPendingDepth.Load(),
	}

	if count := m.PendingDepthCount.Load(); count > 0 {
		snap.AvgPendingDepth = float64(m.PendingDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.RequestRate = float64(snap.RequestCount) / (float64(snap.UptimeNs) / 1e9)
	}

	totalOps := snap.RequestCount + snap.ResponseCount
	totalErrors := snap.RequestErrors + snap.ResponseErrors
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter (useful for testing).
func (m *Metrics) Reset() {
	m.RequestCount.Store(0)
	m.RequestErrors.Store(0)
	m.ResponseCount.Store(0)
	m.ResponseErrors.Store(0)
	for i := range m.RequestsByFunction {
		m.RequestsByFunction[i].Store(0)
	}
	m.DropCount.Store(0)
	m.dropMu.Lock()
	m.dropByReason = make(map[string]*atomic.Uint64)
	m.dropMu.Unlock()
	m.ZombieCount.Store(0)
	m.PendingDepthTotal.Store(0)
	m.PendingDepthCount.Store(0)
	m.MaxPendingDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}
