package scorepipe

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CallMetrics are the integer counters for a single call, filled in when
// the call's score stream is finalized.
type CallMetrics struct {
	BatchesWritten       uint64
	LinesWritten         uint64
	LinesRead            uint64
	PollCalls            uint64
	ResidualLinesDrained uint64
	FormatErrors         uint64
	ElapsedNs            uint64
}

// TimelineEvent is one entry of the optional detailed-metrics timeline
type TimelineEvent struct {
	TS    int64 // monotonic-derived wall clock, UnixNano
	Kind  string
	Value int64
}

// Timeline is an append-only per-call event trace. Collection is off by
// default; when enabled the cost is one append per event.
type Timeline struct {
	CallID uuid.UUID
	Events []TimelineEvent

	// base anchors TS; offsets from it come from the monotonic clock
	base time.Time
}

// NewTimeline creates a timeline with a fresh call identifier
func NewTimeline() *Timeline {
	return &Timeline{CallID: uuid.New()}
}

// Trace appends one event
func (t *Timeline) Trace(kind string, value int64) {
	if t.base.IsZero() {
		t.base = time.Now()
	}
	t.Events = append(t.Events, TimelineEvent{
		TS:    t.base.UnixNano() + int64(time.Since(t.base)),
		Kind:  kind,
		Value: value,
	})
}

// Metrics tracks driver-lifetime statistics across calls
type Metrics struct {
	// Call counters
	PredictCalls atomic.Uint64
	TrainCalls   atomic.Uint64
	ExplainCalls atomic.Uint64

	// Pipe traffic
	BatchesWritten atomic.Uint64
	LinesWritten   atomic.Uint64
	LinesRead      atomic.Uint64
	PollCalls      atomic.Uint64

	// Deadline behavior
	DeadlineTruncations  atomic.Uint64
	ResidualLinesDrained atomic.Uint64

	// Failures
	FormatErrors atomic.Uint64
	EngineErrors atomic.Uint64

	// Latency tracking
	TotalCallLatencyNs atomic.Uint64

	// Driver lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// recordCall folds one finished call into the aggregates
func (m *Metrics) recordCall(cm CallMetrics, truncated bool) {
	m.BatchesWritten.Add(cm.BatchesWritten)
	m.LinesWritten.Add(cm.LinesWritten)
	m.LinesRead.Add(cm.LinesRead)
	m.PollCalls.Add(cm.PollCalls)
	m.ResidualLinesDrained.Add(cm.ResidualLinesDrained)
	m.FormatErrors.Add(cm.FormatErrors)
	m.TotalCallLatencyNs.Add(cm.ElapsedNs)
	if truncated {
		m.DeadlineTruncations.Add(1)
	}
}

// Stop marks the driver as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the aggregates with derived
// statistics
type MetricsSnapshot struct {
	PredictCalls uint64
	TrainCalls   uint64
	ExplainCalls uint64

	BatchesWritten uint64
	LinesWritten   uint64
	LinesRead      uint64
	PollCalls      uint64

	DeadlineTruncations  uint64
	ResidualLinesDrained uint64
	FormatErrors         uint64
	EngineErrors         uint64

	AvgCallLatencyNs uint64
	LinesPerSecond   float64
	UptimeNs         uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PredictCalls:         m.PredictCalls.Load(),
		TrainCalls:           m.TrainCalls.Load(),
		ExplainCalls:         m.ExplainCalls.Load(),
		BatchesWritten:       m.BatchesWritten.Load(),
		LinesWritten:         m.LinesWritten.Load(),
		LinesRead:            m.LinesRead.Load(),
		PollCalls:            m.PollCalls.Load(),
		DeadlineTruncations:  m.DeadlineTruncations.Load(),
		ResidualLinesDrained: m.ResidualLinesDrained.Load(),
		FormatErrors:         m.FormatErrors.Load(),
		EngineErrors:         m.EngineErrors.Load(),
	}

	calls := snap.PredictCalls + snap.TrainCalls + snap.ExplainCalls
	if calls > 0 {
		snap.AvgCallLatencyNs = m.TotalCallLatencyNs.Load() / calls
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.LinesPerSecond = float64(snap.LinesRead) / (float64(snap.UptimeNs) / 1e9)
	}

	return snap
}

// Observer allows pluggable metrics collection. Methods are invoked from
// the scheduling loop; implementations must be cheap and thread-safe.
type Observer interface {
	ObserveBatchWrite(lines int, bytes int, latencyNs uint64, success bool)
	ObserveScoreRead(lines int, latencyNs uint64)
	ObservePoll(latencyNs uint64)
	ObserveFormatError()
	ObserveResidualDrain(lines int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveBatchWrite(int, int, uint64, bool) {}
func (NoOpObserver) ObserveScoreRead(int, uint64)             {}
func (NoOpObserver) ObservePoll(uint64)                       {}
func (NoOpObserver) ObserveFormatError()                      {}
func (NoOpObserver) ObserveResidualDrain(int)                 {}

// MetricsObserver implements Observer on top of a caller-owned Metrics
// instance. The driver folds finished calls into its own Metrics itself, so
// wire a MetricsObserver only to a separate instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBatchWrite(lines int, bytes int, latencyNs uint64, success bool) {
	if success {
		o.metrics.BatchesWritten.Add(1)
		o.metrics.LinesWritten.Add(uint64(lines))
	} else {
		o.metrics.EngineErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveScoreRead(lines int, latencyNs uint64) {
	o.metrics.LinesRead.Add(uint64(lines))
}

func (o *MetricsObserver) ObservePoll(latencyNs uint64) {
	o.metrics.PollCalls.Add(1)
}

func (o *MetricsObserver) ObserveFormatError() {
	o.metrics.FormatErrors.Add(1)
}

func (o *MetricsObserver) ObserveResidualDrain(lines int) {
	o.metrics.ResidualLinesDrained.Add(uint64(lines))
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
