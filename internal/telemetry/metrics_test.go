package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ConnectAttempt()
	m.ConnectAttempt()
	m.StateEntered("open", 2)
	m.Frame("activity")
	m.FrameDropped("malformed")
	m.Merged(true)
	m.Merged(false)
	m.Merged(false)

	require.Equal(t, 2.0, testutil.ToFloat64(m.connectAttempts))
	require.Equal(t, 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("open")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.connectionState))
	require.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("activity")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.timelineMerges.WithLabelValues("appended")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.timelineMerges.WithLabelValues("duplicate")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Positive(t, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ConnectAttempt()
		m.StateEntered("open", 2)
		m.Frame("connected")
		m.FrameDropped("malformed")
		m.Merged(true)
	})
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.ConnectAttempt()
	require.Equal(t, 1.0, testutil.ToFloat64(m.connectAttempts))
}
