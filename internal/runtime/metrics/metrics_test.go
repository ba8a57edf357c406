package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterToleratesDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := NewCounterVec("dispatch", "messages_total", "help", "type", "outcome")

	first, err := Register(reg, counter)
	require.NoError(t, err)
	second, err := Register(reg, counter)
	require.NoError(t, err)
	assert.Same(t, first, second)

	counter.WithLabelValues("user.created", "ack").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(counter))
}

func TestRegisterReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	original, err := Register(reg, NewCounter("broker", "reconnects_total", "help"))
	require.NoError(t, err)

	shared, err := Register(reg, NewCounter("broker", "reconnects_total", "help"))
	require.NoError(t, err)
	shared.Inc()
	original.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(original))
	value, err := testutil.GatherAndCount(reg, "notifyflow_broker_reconnects_total")
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	vec, err := Register(reg, NewGaugeVec("broker", "state", "help", "state"))
	require.NoError(t, err)
	again, err := Register(reg, NewGaugeVec("broker", "state", "help", "state"))
	require.NoError(t, err)
	assert.Same(t, vec, again)
}

func TestRegisterNilRegistererIsNoop(t *testing.T) {
	gauge := NewGauge("dispatch", "in_flight", "help")
	got, err := Register(nil, gauge)
	assert.NoError(t, err)
	assert.Equal(t, gauge, got)
}

func TestRegisterReportsConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := Register(reg, NewCounterVec("broker", "things", "help", "a"))
	require.NoError(t, err)

	_, err = Register(reg, NewCounterVec("broker", "things", "other help", "b"))
	assert.Error(t, err)
}

func TestCollectorsUseNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := Register(reg, NewHistogramVec("dispatch", "handler_duration_seconds", "help", nil, "type"))
	require.NoError(t, err)
	h.WithLabelValues("user.created").Observe(0.2)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "notifyflow_dispatch_handler_duration_seconds", families[0].GetName())
}
