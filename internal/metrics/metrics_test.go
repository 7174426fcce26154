package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsAreRegistered(t *testing.T) {
	SendsTotal.WithLabelValues("direct", "delivered").Inc()
	SendsDenied.WithLabelValues("rate_limit").Inc()
	QueueTransitions.WithLabelValues("delivered").Inc()
	QueueDepth.Set(3)
	SweepExpired.Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		found[mf.GetName()] = mf
	}

	for _, name := range []string{
		"courier_sends_total",
		"courier_sends_denied_total",
		"courier_queue_transitions_total",
		"courier_queue_depth",
		"courier_sweep_expired_total",
	} {
		assert.Contains(t, found, name)
	}

	depth := found["courier_queue_depth"]
	require.NotNil(t, depth)
	assert.Equal(t, float64(3), depth.GetMetric()[0].GetGauge().GetValue())
}
