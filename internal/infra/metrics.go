package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsApplied      atomic.Uint64
	staleRejected      atomic.Uint64
	supersededDropped  atomic.Uint64
	inconsistentDrops  atomic.Uint64
	restarts           atomic.Uint64
	transportErrors    atomic.Uint64
	unexpectedStatuses atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	networkOnline     atomic.Int32 // 1 = online, 0 = offline or unknown
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records a merged event with its apply latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsApplied.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordStale records an update rejected by sequence.
func (m *Metrics) RecordStale() {
	m.staleRejected.Add(1)
}

// RecordSuperseded records an event dropped because its connection was replaced.
func (m *Metrics) RecordSuperseded() {
	m.supersededDropped.Add(1)
}

// RecordInconsistent records an entity dropped for violating a structural invariant.
func (m *Metrics) RecordInconsistent() {
	m.inconsistentDrops.Add(1)
}

// RecordUnexpectedTransition records an order status edge outside the known graph.
func (m *Metrics) RecordUnexpectedTransition() {
	m.unexpectedStatuses.Add(1)
}

// RecordRestart records one resource restart.
func (m *Metrics) RecordRestart() {
	m.restarts.Add(1)
}

// RecordTransportError records a failed or dropped connection.
func (m *Metrics) RecordTransportError() {
	m.transportErrors.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetOnline sets the last observed network state.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.networkOnline.Store(1)
	} else {
		m.networkOnline.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsApplied         uint64
	StaleRejected         uint64
	SupersededDropped     uint64
	InconsistentDrops     uint64
	UnexpectedTransitions uint64
	Restarts              uint64
	TransportErrors       uint64
	AvgLatencyNs          int64
	ActiveConnections     int32
	Online                bool
	Timestamp             time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsApplied:         m.eventsApplied.Load(),
		StaleRejected:         m.staleRejected.Load(),
		SupersededDropped:     m.supersededDropped.Load(),
		InconsistentDrops:     m.inconsistentDrops.Load(),
		UnexpectedTransitions: m.unexpectedStatuses.Load(),
		Restarts:              m.restarts.Load(),
		TransportErrors:       m.transportErrors.Load(),
		AvgLatencyNs:          avgLatency,
		ActiveConnections:     m.activeConnections.Load(),
		Online:                m.networkOnline.Load() == 1,
		Timestamp:             time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsApplied.Store(0)
	m.staleRejected.Store(0)
	m.supersededDropped.Store(0)
	m.inconsistentDrops.Store(0)
	m.unexpectedStatuses.Store(0)
	m.restarts.Store(0)
	m.transportErrors.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.networkOnline.Store(0)
}
