package pkg

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsPrivateRegistry(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m.Registry)

	m.CommandsIssued.WithLabelValues("enable_slot").Inc()
	m.CommandTimeouts.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsIssued.WithLabelValues("enable_slot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandTimeouts))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	assert.Same(t, reg, m.Registry)

	// A second controller on the same registry must not collide silently.
	assert.Panics(t, func() { NewMetrics(reg) })
}
