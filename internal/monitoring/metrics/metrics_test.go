// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	defer metrics.Close()

	stats := metrics.GetStats()
	if stats.Configuration.BufferSize != DefaultMetricsConfig().BufferSize {
		t.Errorf("Expected default buffer size, got %d", stats.Configuration.BufferSize)
	}
}

func TestNewMetricsWithConfigFillsZeroes(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{})
	defer metrics.Close()

	stats := metrics.GetStats()
	if stats.Configuration.BufferSize == 0 || stats.Configuration.LatencyBuffer == 0 {
		t.Errorf("Expected zero config values to be replaced, got %+v", stats.Configuration)
	}
}

func TestRecordUnlinkAndReclaim(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordUnlink(3, 7, 100*time.Microsecond)
	metrics.RecordUnlink(1, 2, 300*time.Microsecond)
	metrics.RecordReclaim(4, 9, 50*time.Microsecond)
	metrics.Close()

	stats := metrics.GetStats()
	if stats.Collector.UnlinkPasses != 2 {
		t.Errorf("Expected 2 unlink passes, got %d", stats.Collector.UnlinkPasses)
	}
	if stats.Collector.TxnsUnlinked != 4 || stats.Collector.VersionsUnlinked != 9 {
		t.Errorf("Unexpected unlink counts: %+v", stats.Collector)
	}
	if stats.Collector.TxnsReclaimed != 4 || stats.Collector.TuplesReset != 9 {
		t.Errorf("Unexpected reclaim counts: %+v", stats.Collector)
	}
	if stats.Latency.Unlink.Mean != 200*time.Microsecond {
		t.Errorf("Expected unlink mean of 200µs, got %v", stats.Latency.Unlink.Mean)
	}
	if stats.Latency.Reclaim.Count != 1 {
		t.Errorf("Expected one reclaim sample, got %d", stats.Latency.Reclaim.Count)
	}
}

func TestRecordEpochEvents(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordEpochRegistered()
	metrics.RecordEpochRegistered()
	metrics.RecordEpochAdvanced()
	metrics.RecordNodeRemoved(true)
	metrics.RecordNodeRemoved(false)
	metrics.RecordNodeRemoved(false)
	metrics.RecordTxnBound()
	metrics.Close()

	got := metrics.GetStats().Epochs
	want := EpochCounts{Registered: 2, Advanced: 1, LeavesRemoved: 1, InternalRemoved: 2, TxnsBound: 1}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestRecordDiscards(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordDiscard(EventDiscardStale)
	metrics.RecordDiscard(EventDiscardReferenced)
	metrics.RecordDiscard(EventDiscardReferenced)
	metrics.RecordDiscard(EventDiscardOutOfOrder)
	metrics.RecordDiscard(EventNotYetEligible)
	metrics.Close()

	got := metrics.GetStats().Discards
	want := DiscardCounts{Stale: 1, Referenced: 2, OutOfOrder: 1, NotYetEligible: 1}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestRecordSlotsAndObjects(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordSlotRecycled()
	metrics.RecordSlotRecycled()
	metrics.RecordSlotReused()
	metrics.RecordObjectDropped()
	metrics.RecordIndexEntriesDeleted(0)
	metrics.RecordIndexEntriesDeleted(5)
	metrics.RecordBackoff(time.Millisecond)
	metrics.RecordQuery(EventQuerySubmitted)
	metrics.RecordQuery(EventQueryDropped)
	metrics.RecordQuery(EventQueryFailed)
	metrics.Close()

	stats := metrics.GetStats()
	if stats.Collector.SlotsRecycled != 2 || stats.Collector.SlotsReused != 1 {
		t.Errorf("Unexpected slot counts: %+v", stats.Collector)
	}
	if stats.Collector.ObjectsDropped != 1 {
		t.Errorf("Expected 1 dropped object, got %d", stats.Collector.ObjectsDropped)
	}
	if stats.Collector.IndexEntriesDeleted != 5 {
		t.Errorf("Expected 5 index entries deleted, got %d", stats.Collector.IndexEntriesDeleted)
	}
	if stats.Collector.Backoffs != 1 || stats.Latency.Backoff.Max != time.Millisecond {
		t.Errorf("Unexpected backoff stats: %+v", stats.Latency.Backoff)
	}
	if stats.Queries != (QueryCounts{Submitted: 1, Dropped: 1, Failed: 1}) {
		t.Errorf("Unexpected query counts: %+v", stats.Queries)
	}
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	metrics := NewMetrics()
	metrics.Close()
	metrics.Close()

	metrics.RecordTxnBound()
	if metrics.GetStats().Epochs.TxnsBound != 0 {
		t.Error("Expected events after Close to be ignored")
	}
}

func TestConcurrentAccess(t *testing.T) {
	metrics := NewMetrics()

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				metrics.RecordTxnBound()
				_ = metrics.GetStats()
			}
		}()
	}
	wg.Wait()
	metrics.Close()

	stats := metrics.GetStats()
	if stats.Epochs.TxnsBound+stats.DroppedEvents != goroutines*perGoroutine {
		t.Errorf("Expected %d recorded or dropped events, got %d + %d",
			goroutines*perGoroutine, stats.Epochs.TxnsBound, stats.DroppedEvents)
	}
}

func TestRingBufferAverage(t *testing.T) {
	rb := NewDurationRingBuffer(4)
	rb.Push(10 * time.Millisecond)
	rb.Push(20 * time.Millisecond)
	rb.Push(30 * time.Millisecond)

	if avg := rb.GetAverage(); avg != 20*time.Millisecond {
		t.Errorf("Expected average 20ms, got %v", avg)
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(2)
	rb.Push(10 * time.Millisecond)
	rb.Push(20 * time.Millisecond)
	rb.Push(30 * time.Millisecond)

	if rb.Len() != 2 {
		t.Errorf("Expected 2 samples, got %d", rb.Len())
	}
	if avg := rb.GetAverage(); avg != 25*time.Millisecond {
		t.Errorf("Expected average 25ms after overflow, got %v", avg)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(0)
	if avg := rb.GetAverage(); avg != 0 {
		t.Errorf("Expected 0 for empty buffer, got %v", avg)
	}
	if stats := rb.GetStats(); stats.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestRingBufferStats(t *testing.T) {
	rb := NewDurationRingBuffer(100)
	for i := 1; i <= 100; i++ {
		rb.Push(time.Duration(i) * time.Millisecond)
	}

	stats := rb.GetStats()
	if stats.Count != 100 {
		t.Errorf("Expected count 100, got %d", stats.Count)
	}
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 50*time.Millisecond {
		t.Errorf("Expected P50 50ms, got %v", stats.P50)
	}
	if stats.P99 != 99*time.Millisecond {
		t.Errorf("Expected P99 99ms, got %v", stats.P99)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordEpochRegistered()
	metrics.Close()

	data, err := metrics.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	for _, key := range []string{"epochs", "collector", "discards", "queries", "latency", "config"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("Expected key %q in JSON export", key)
		}
	}
}

func TestPrometheusCollectors(t *testing.T) {
	config := DefaultMetricsConfig()
	config.EnablePrometheus = true

	before := testutil.ToFloat64(gcTransactionsUnlinked)
	beforeEvents := testutil.ToFloat64(gcEvents.WithLabelValues("unlink"))

	metrics := NewMetricsWithConfig(config)
	metrics.RecordUnlink(6, 10, time.Microsecond)
	metrics.Close()

	if got := testutil.ToFloat64(gcTransactionsUnlinked) - before; got != 6 {
		t.Errorf("Expected 6 unlinked transactions exported, got %v", got)
	}
	if got := testutil.ToFloat64(gcEvents.WithLabelValues("unlink")) - beforeEvents; got != 1 {
		t.Errorf("Expected 1 unlink event exported, got %v", got)
	}
}

func TestEventTypeString(t *testing.T) {
	if EventSlotReused.String() != "slot_reused" {
		t.Errorf("Unexpected name %q", EventSlotReused.String())
	}
	if EventType(200).String() != "unknown" {
		t.Errorf("Expected unknown for out-of-range event type")
	}
}
