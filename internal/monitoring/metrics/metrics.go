// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides observability for the epoch-based garbage collector.
//
// Events are recorded through non-blocking channel sends and folded into
// counters and latency ring buffers by a background goroutine, so the hot
// paths of the collector (ref-count release, unlink and reclaim passes) never
// block on metrics bookkeeping.
//
// # Key Features
//
//   - Non-blocking recording using a buffered event channel
//   - Epoch lifecycle counts (registered, advanced, retired leaves and internal nodes)
//   - Unlink and reclaim pass latencies stored in bounded ring buffers
//   - Discard accounting for stale, referenced and out-of-order garbage nodes
//   - Slot recycling and object drop counts
//   - Query history submission and drop counts
//   - Optional Prometheus collectors registered once per process
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... run an unlink pass ...
//	m.RecordUnlink(txns, versions, time.Since(start))
//
//	stats := m.GetStats()
//	fmt.Printf("unlinked %d transactions\n", stats.Collector.TxnsUnlinked)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Close() must be called to stop the processor
//   - **Event Loss**: When the buffer is full events are dropped rather than blocking
//   - **Stats Latency**: GetStats reflects events processed so far, not events sent
//
// # Thread Safety
//
// All recording methods are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// EventType identifies a collector event.
type EventType uint8

const (
	EventEpochRegistered EventType = iota + 1
	EventEpochAdvanced
	EventLeafRemoved
	EventInternalRemoved
	EventTxnBound
	EventUnlink
	EventReclaim
	EventIndexEntriesDeleted
	EventSlotRecycled
	EventSlotReused
	EventObjectDropped
	EventDiscardStale
	EventDiscardReferenced
	EventDiscardOutOfOrder
	EventNotYetEligible
	EventBackoff
	EventQuerySubmitted
	EventQueryDropped
	EventQueryFailed
)

var eventNames = map[EventType]string{
	EventEpochRegistered:     "epoch_registered",
	EventEpochAdvanced:       "epoch_advanced",
	EventLeafRemoved:         "leaf_removed",
	EventInternalRemoved:     "internal_removed",
	EventTxnBound:            "txn_bound",
	EventUnlink:              "unlink",
	EventReclaim:             "reclaim",
	EventIndexEntriesDeleted: "index_entries_deleted",
	EventSlotRecycled:        "slot_recycled",
	EventSlotReused:          "slot_reused",
	EventObjectDropped:       "object_dropped",
	EventDiscardStale:        "discard_stale",
	EventDiscardReferenced:   "discard_referenced",
	EventDiscardOutOfOrder:   "discard_out_of_order",
	EventNotYetEligible:      "not_yet_eligible",
	EventBackoff:             "backoff",
	EventQuerySubmitted:      "query_submitted",
	EventQueryDropped:        "query_dropped",
	EventQueryFailed:         "query_failed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// EpochCounts tracks epoch tree activity.
type EpochCounts struct {
	Registered      uint64 `json:"registered"`
	Advanced        uint64 `json:"advanced"`
	LeavesRemoved   uint64 `json:"leaves_removed"`
	InternalRemoved uint64 `json:"internal_removed"`
	TxnsBound       uint64 `json:"txns_bound"`
}

// CollectorCounts tracks unlink and reclaim work.
type CollectorCounts struct {
	UnlinkPasses        uint64 `json:"unlink_passes"`
	ReclaimPasses       uint64 `json:"reclaim_passes"`
	TxnsUnlinked        uint64 `json:"txns_unlinked"`
	VersionsUnlinked    uint64 `json:"versions_unlinked"`
	IndexEntriesDeleted uint64 `json:"index_entries_deleted"`
	TxnsReclaimed       uint64 `json:"txns_reclaimed"`
	TuplesReset         uint64 `json:"tuples_reset"`
	SlotsRecycled       uint64 `json:"slots_recycled"`
	SlotsReused         uint64 `json:"slots_reused"`
	ObjectsDropped      uint64 `json:"objects_dropped"`
	Backoffs            uint64 `json:"backoffs"`
}

// DiscardCounts tracks garbage nodes that were dequeued but not retired.
type DiscardCounts struct {
	Stale          uint64 `json:"stale"`
	Referenced     uint64 `json:"referenced"`
	OutOfOrder     uint64 `json:"out_of_order"`
	NotYetEligible uint64 `json:"not_yet_eligible"`
}

// QueryCounts tracks query history activity.
type QueryCounts struct {
	Submitted uint64 `json:"submitted"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// LatencyMetrics tracks latency data for collector passes.
type LatencyMetrics struct {
	Unlink  LatencyStats `json:"unlink"`
	Reclaim LatencyStats `json:"reclaim"`
	Backoff LatencyStats `json:"backoff"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Epochs        EpochCounts     `json:"epochs"`
	Collector     CollectorCounts `json:"collector"`
	Discards      DiscardCounts   `json:"discards"`
	Queries       QueryCounts     `json:"queries"`
	Latency       LatencyMetrics  `json:"latency"`
	DroppedEvents uint64          `json:"dropped_events"`
	Configuration MetricsConfig   `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type     EventType
	Duration time.Duration
	Count    int
	Extra    int
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// Len returns the number of samples held.
func (rb *DurationRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GetAverage calculates the average of time.Duration values in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates comprehensive latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	if rb.count == 0 {
		rb.mu.RUnlock()
		return LatencyStats{}
	}
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	slices.Sort(values)

	stats := LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	stats.Mean = total / time.Duration(len(values))
	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)
	stats.P999 = percentile(values, 0.999)
	return stats
}

// percentile picks the nth percentile from sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize       int  `json:"buffer_size"`       // Size of event buffer
	LatencyBuffer    int  `json:"latency_buffer"`    // Ring buffer size per pass type
	EnablePrometheus bool `json:"enable_prometheus"` // Mirror counters into Prometheus collectors
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize:    10000,
		LatencyBuffer: 1000,
	}
}

// Metrics tracks collector activity using a buffered channel and ring buffers
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	mu sync.RWMutex

	epochs    EpochCounts
	collector CollectorCounts
	discards  DiscardCounts
	queries   QueryCounts
	dropped   uint64

	UnlinkLatency  *DurationRingBuffer
	ReclaimLatency *DurationRingBuffer
	BackoffLatency *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMetricsConfig().BufferSize
	}
	if config.LatencyBuffer <= 0 {
		config.LatencyBuffer = DefaultMetricsConfig().LatencyBuffer
	}
	if config.EnablePrometheus {
		registerPrometheus()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Metrics{
		config:         config,
		eventChan:      make(chan MetricEvent, config.BufferSize),
		ctx:            ctx,
		cancel:         cancel,
		UnlinkLatency:  NewDurationRingBuffer(config.LatencyBuffer),
		ReclaimLatency: NewDurationRingBuffer(config.LatencyBuffer),
		BackoffLatency: NewDurationRingBuffer(config.LatencyBuffer),
	}

	m.wg.Add(1)
	go m.processEvents()
	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			// Fold whatever is still buffered so Close leaves exact counts.
			for {
				select {
				case event := <-m.eventChan:
					m.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// processEvent handles a single metric event
func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := uint64(event.Count)
	switch event.Type {
	case EventEpochRegistered:
		m.epochs.Registered++
	case EventEpochAdvanced:
		m.epochs.Advanced++
	case EventLeafRemoved:
		m.epochs.LeavesRemoved++
	case EventInternalRemoved:
		m.epochs.InternalRemoved++
	case EventTxnBound:
		m.epochs.TxnsBound++
	case EventUnlink:
		m.collector.UnlinkPasses++
		m.collector.TxnsUnlinked += n
		m.collector.VersionsUnlinked += uint64(event.Extra)
		m.UnlinkLatency.Push(event.Duration)
	case EventReclaim:
		m.collector.ReclaimPasses++
		m.collector.TxnsReclaimed += n
		m.collector.TuplesReset += uint64(event.Extra)
		m.ReclaimLatency.Push(event.Duration)
	case EventIndexEntriesDeleted:
		m.collector.IndexEntriesDeleted += n
	case EventSlotRecycled:
		m.collector.SlotsRecycled++
	case EventSlotReused:
		m.collector.SlotsReused++
	case EventObjectDropped:
		m.collector.ObjectsDropped++
	case EventDiscardStale:
		m.discards.Stale++
	case EventDiscardReferenced:
		m.discards.Referenced++
	case EventDiscardOutOfOrder:
		m.discards.OutOfOrder++
	case EventNotYetEligible:
		m.discards.NotYetEligible++
	case EventBackoff:
		m.collector.Backoffs++
		m.BackoffLatency.Push(event.Duration)
	case EventQuerySubmitted:
		m.queries.Submitted++
	case EventQueryDropped:
		m.queries.Dropped++
	case EventQueryFailed:
		m.queries.Failed++
	}

	if m.config.EnablePrometheus {
		observePrometheus(event)
	}
}

// Record sends an event to the background processor without blocking.
func (m *Metrics) Record(event MetricEvent) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.eventChan <- event:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// RecordEpochRegistered records a leaf inserted into the epoch tree.
func (m *Metrics) RecordEpochRegistered() {
	m.Record(MetricEvent{Type: EventEpochRegistered})
}

// RecordEpochAdvanced records a move of the current epoch.
func (m *Metrics) RecordEpochAdvanced() {
	m.Record(MetricEvent{Type: EventEpochAdvanced})
}

// RecordNodeRemoved records a retired tree node.
func (m *Metrics) RecordNodeRemoved(leaf bool) {
	if leaf {
		m.Record(MetricEvent{Type: EventLeafRemoved})
		return
	}
	m.Record(MetricEvent{Type: EventInternalRemoved})
}

// RecordTxnBound records a transaction bound to an epoch leaf.
func (m *Metrics) RecordTxnBound() {
	m.Record(MetricEvent{Type: EventTxnBound})
}

// RecordUnlink records one unlink pass.
func (m *Metrics) RecordUnlink(txns, versions int, duration time.Duration) {
	m.Record(MetricEvent{Type: EventUnlink, Count: txns, Extra: versions, Duration: duration})
}

// RecordReclaim records one reclaim pass.
func (m *Metrics) RecordReclaim(txns, tuples int, duration time.Duration) {
	m.Record(MetricEvent{Type: EventReclaim, Count: txns, Extra: tuples, Duration: duration})
}

// RecordIndexEntriesDeleted records index entries removed while unlinking.
func (m *Metrics) RecordIndexEntriesDeleted(n int) {
	if n > 0 {
		m.Record(MetricEvent{Type: EventIndexEntriesDeleted, Count: n})
	}
}

// RecordSlotRecycled records a slot pushed onto a recycle queue.
func (m *Metrics) RecordSlotRecycled() {
	m.Record(MetricEvent{Type: EventSlotRecycled})
}

// RecordSlotReused records a slot handed back out of a recycle queue.
func (m *Metrics) RecordSlotReused() {
	m.Record(MetricEvent{Type: EventSlotReused})
}

// RecordObjectDropped records a dropped database, table or index.
func (m *Metrics) RecordObjectDropped() {
	m.Record(MetricEvent{Type: EventObjectDropped})
}

// RecordDiscard records a garbage node that was dequeued and not retired.
func (m *Metrics) RecordDiscard(t EventType) {
	m.Record(MetricEvent{Type: t})
}

// RecordBackoff records an idle sleep of a collector worker.
func (m *Metrics) RecordBackoff(d time.Duration) {
	m.Record(MetricEvent{Type: EventBackoff, Duration: d})
}

// RecordQuery records the outcome of a query history submission.
func (m *Metrics) RecordQuery(t EventType) {
	m.Record(MetricEvent{Type: t})
}

// GetStats returns a snapshot of everything processed so far.
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Epochs:    m.epochs,
		Collector: m.collector,
		Discards:  m.discards,
		Queries:   m.queries,
		Latency: LatencyMetrics{
			Unlink:  m.UnlinkLatency.GetStats(),
			Reclaim: m.ReclaimLatency.GetStats(),
			Backoff: m.BackoffLatency.GetStats(),
		},
		DroppedEvents: m.dropped,
		Configuration: m.config,
	}
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(m.GetStats(), "", "  ")
}

// Close shuts down the metrics processor. Events still buffered are folded
// into the counters before Close returns.
func (m *Metrics) Close() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	m.closeMu.Unlock()

	m.cancel()
	m.wg.Wait()
}
