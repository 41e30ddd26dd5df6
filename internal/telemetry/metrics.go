// Package telemetry exposes Prometheus metrics for the activity stream client.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentwatch"

// Metrics is safe to share between subscriptions. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectAttempts  prometheus.Counter
	stateTransitions *prometheus.CounterVec
	frames           *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	timelineMerges   *prometheus.CounterVec
	connectionState  prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg. Passing nil
// skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connect_attempts_total",
			Help:      "Number of transport connection attempts.",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions grouped by the state entered.",
		}, []string{"state"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Decoded frames grouped by frame type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before reaching the timeline, grouped by reason.",
		}, []string{"reason"}),
		timelineMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "merges_total",
			Help:      "Activity events offered to the timeline grouped by outcome (appended or duplicate).",
		}, []string{"outcome"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Most recent connection state (1 connecting, 2 open, 3 closed-retrying, 4 closed-fatal).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectAttempts, m.stateTransitions, m.frames, m.framesDropped, m.timelineMerges, m.connectionState)
	}
	return m
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

// StateEntered records a transition; code is the numeric state value.
func (m *Metrics) StateEntered(state string, code int) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(state).Inc()
	m.connectionState.Set(float64(code))
}

func (m *Metrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// Merged records the outcome of folding one event into a timeline.
func (m *Metrics) Merged(appended bool) {
	if m == nil {
		return
	}
	outcome := "duplicate"
	if appended {
		outcome = "appended"
	}
	m.timelineMerges.WithLabelValues(outcome).Inc()
}
