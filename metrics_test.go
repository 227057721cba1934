package brickd

import (
	"testing"
)

func TestMetrics_InitialStateIsZero(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	if snap.RequestCount != 0 || snap.ResponseCount != 0 {
		t.Fatalf("new Metrics has non-zero counts: %+v", snap)
	}
}

func TestMetrics_ObserveRequestCountsByFunction(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest(1, 1_000_000, true)
	m.ObserveRequest(1, 2_000_000, true)
	m.ObserveRequest(2, 500_000, false)

	snap := m.Snapshot()
	if snap.RequestCount != 3 {
		t.Fatalf("RequestCount = %d, want 3", snap.RequestCount)
	}
	if snap.RequestErrors != 1 {
		t.Fatalf("RequestErrors = %d, want 1", snap.RequestErrors)
	}
	if got := m.RequestsByFunction[1].Load(); got != 2 {
		t.Fatalf("RequestsByFunction[1] = %d, want 2", got)
	}
}

func TestMetrics_ObserveDropTalliesByReason(t *testing.T) {
	m := NewMetrics()
	m.ObserveDrop("pending_request_overflow")
	m.ObserveDrop("pending_request_overflow")
	m.ObserveDrop("usb_write_backlog_overflow")

	snap := m.Snapshot()
	if snap.DropCount != 3 {
		t.Fatalf("DropCount = %d, want 3", snap.DropCount)
	}
	byReason := m.DropsByReason()
	if byReason["pending_request_overflow"] != 2 {
		t.Fatalf("pending_request_overflow drops = %d, want 2", byReason["pending_request_overflow"])
	}
	if byReason["usb_write_backlog_overflow"] != 1 {
		t.Fatalf("usb_write_backlog_overflow drops = %d, want 1", byReason["usb_write_backlog_overflow"])
	}
}

func TestMetrics_ObservePendingDepthTracksMax(t *testing.T) {
	m := NewMetrics()
	m.ObservePendingDepth(5)
	m.ObservePendingDepth(12)
	m.ObservePendingDepth(3)

	snap := m.Snapshot()
	if snap.MaxPendingDepth != 12 {
		t.Fatalf("MaxPendingDepth = %d, want 12", snap.MaxPendingDepth)
	}
	want := float64(5+12+3) / 3
	if snap.AvgPendingDepth != want {
		t.Fatalf("AvgPendingDepth = %v, want %v", snap.AvgPendingDepth, want)
	}
}

func TestMetrics_ObserveZombieIncrements(t *testing.T) {
	m := NewMetrics()
	m.ObserveZombie()
	m.ObserveZombie()
	if snap := m.Snapshot(); snap.ZombieCount != 2 {
		t.Fatalf("ZombieCount = %d, want 2", snap.ZombieCount)
	}
}

func TestMetrics_LatencyHistogramBucketsAreCumulative(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest(1, 500, true)     // falls in every bucket
	m.ObserveRequest(1, 50_000, true)  // falls in buckets >= 100us

	snap := m.Snapshot()
	if snap.LatencyHistogram[0] != 1 {
		t.Fatalf("1us bucket = %d, want 1", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[2] != 2 {
		t.Fatalf("100us bucket = %d, want 2", snap.LatencyHistogram[2])
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest(1, 1000, true)
	m.ObserveDrop("x")
	m.ObserveZombie()

	m.Reset()

	snap := m.Snapshot()
	if snap.RequestCount != 0 || snap.DropCount != 0 || snap.ZombieCount != 0 {
		t.Fatalf("Reset did not clear counters: %+v", snap)
	}
}
