package ras

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the GetRangingData round-trip latency histogram
// bucket boundaries, in nanoseconds. Same log-spaced shape as the
// teacher's I/O latency buckets, retuned for a BLE control-point/segment
// exchange instead of a block I/O completion (hundreds of microseconds to
// tens of seconds rather than microseconds to tens of seconds).
var LatencyBuckets = []uint64{
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	5_000_000_000,  // 5s
	10_000_000_000, // 10s
	30_000_000_000, // 30s
}

const numLatencyBuckets = 8

// Metrics tracks RAS-domain operational statistics: buffer-pool activity
// on the responder side, segment/byte throughput, and the control-plane
// failure modes (overwrites, ack timeouts) that spec.md §8 calls out as
// testable properties.
type Metrics struct {
	ProceduresIngested atomic.Uint64
	ProceduresAborted  atomic.Uint64
	ProceduresDropped  atomic.Uint64 // resource exhaustion at ingest

	SegmentsSent    atomic.Uint64
	SegmentsRetried atomic.Uint64
	BytesStreamed   atomic.Uint64

	Overwrites  atomic.Uint64
	AckTimeouts atomic.Uint64

	GetRDSuccess atomic.Uint64
	GetRDFailed  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIngest records one completed or aborted procedure ingest.
func (m *Metrics) RecordIngest(aborted bool) {
	if aborted {
		m.ProceduresAborted.Add(1)
	} else {
		m.ProceduresIngested.Add(1)
	}
}

// RecordDrop records a procedure dropped at ingest due to pool exhaustion.
func (m *Metrics) RecordDrop() {
	m.ProceduresDropped.Add(1)
}

// RecordSegment records one segment sent (retried indicates a rewind+retry
// cycle preceded this send).
func (m *Metrics) RecordSegment(bytes int, retried bool) {
	m.SegmentsSent.Add(1)
	m.BytesStreamed.Add(uint64(bytes))
	if retried {
		m.SegmentsRetried.Add(1)
	}
}

// RecordOverwrite records a ready buffer evicted before acknowledgment.
func (m *Metrics) RecordOverwrite() {
	m.Overwrites.Add(1)
}

// RecordAckTimeout records an abandoned AwaitingAck session.
func (m *Metrics) RecordAckTimeout() {
	m.AckTimeouts.Add(1)
}

// RecordGetRangingData records one requestor-side GetRangingData call's
// outcome and round-trip latency.
func (m *Metrics) RecordGetRangingData(latencyNs uint64, success bool) {
	if success {
		m.GetRDSuccess.Add(1)
	} else {
		m.GetRDFailed.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the service/client as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics plus derived rates.
type MetricsSnapshot struct {
	ProceduresIngested uint64
	ProceduresAborted  uint64
	ProceduresDropped  uint64

	SegmentsSent    uint64
	SegmentsRetried uint64
	BytesStreamed   uint64

	Overwrites  uint64
	AckTimeouts uint64

	GetRDSuccess uint64
	GetRDFailed  uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot copies the current counters and computes derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ProceduresIngested: m.ProceduresIngested.Load(),
		ProceduresAborted:  m.ProceduresAborted.Load(),
		ProceduresDropped:  m.ProceduresDropped.Load(),
		SegmentsSent:       m.SegmentsSent.Load(),
		SegmentsRetried:    m.SegmentsRetried.Load(),
		BytesStreamed:      m.BytesStreamed.Load(),
		Overwrites:         m.Overwrites.Load(),
		AckTimeouts:        m.AckTimeouts.Load(),
		GetRDSuccess:       m.GetRDSuccess.Load(),
		GetRDFailed:        m.GetRDFailed.Load(),
	}

	opCount := m.OpCount.Load()
	totalLatency := m.TotalLatencyNs.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatency / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50, opCount)
		snap.LatencyP99Ns = m.calculatePercentile(0.99, opCount)
		snap.LatencyP999Ns = m.calculatePercentile(0.999, opCount)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile using
// linear interpolation between histogram buckets, the same technique the
// teacher used for I/O latency percentiles.
func (m *Metrics) calculatePercentile(percentile float64, totalOps uint64) uint64 {
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

// Reset zeroes all counters, useful for testing.
func (m *Metrics) Reset() {
	m.ProceduresIngested.Store(0)
	m.ProceduresAborted.Store(0)
	m.ProceduresDropped.Store(0)
	m.SegmentsSent.Store(0)
	m.SegmentsRetried.Store(0)
	m.BytesStreamed.Store(0)
	m.Overwrites.Store(0)
	m.AckTimeouts.Store(0)
	m.GetRDSuccess.Store(0)
	m.GetRDFailed.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, mirroring the teacher's
// Observer/NoOpObserver pattern.
type Observer interface {
	ObserveIngest(aborted bool)
	ObserveDrop()
	ObserveSegment(bytes int, retried bool)
	ObserveOverwrite()
	ObserveAckTimeout()
	ObserveGetRangingData(latencyNs uint64, success bool)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIngest(bool)                  {}
func (NoOpObserver) ObserveDrop()                        {}
func (NoOpObserver) ObserveSegment(int, bool)            {}
func (NoOpObserver) ObserveOverwrite()                   {}
func (NoOpObserver) ObserveAckTimeout()                  {}
func (NoOpObserver) ObserveGetRangingData(uint64, bool)  {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIngest(aborted bool)         { o.metrics.RecordIngest(aborted) }
func (o *MetricsObserver) ObserveDrop()                       { o.metrics.RecordDrop() }
func (o *MetricsObserver) ObserveSegment(bytes int, r bool)   { o.metrics.RecordSegment(bytes, r) }
func (o *MetricsObserver) ObserveOverwrite()                  { o.metrics.RecordOverwrite() }
func (o *MetricsObserver) ObserveAckTimeout()                 { o.metrics.RecordAckTimeout() }
func (o *MetricsObserver) ObserveGetRangingData(ns uint64, ok bool) {
	o.metrics.RecordGetRangingData(ns, ok)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
