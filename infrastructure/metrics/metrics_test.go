package metrics

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewWithRegistry("cronicled-test", prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, g.Write(&pb))
	return pb.Gauge.GetValue()
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordHTTPRequest("cronicled-test", "GET", "/api/app/get_schedule", "200", 50*time.Millisecond)
	got := counterValue(t, m.RequestsTotal.WithLabelValues("cronicled-test", "GET", "/api/app/get_schedule", "200"))
	assert.Equal(t, 1.0, got)
}

func TestRecordJobTerminal(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordJobTerminal("event-1", "success", 2*time.Second)
	got := counterValue(t, m.JobsDispatchedTotal.WithLabelValues("event-1", "success"))
	assert.Equal(t, 1.0, got)
}

func TestSetManagerTogglesGaugeAndElectionCounter(t *testing.T) {
	m := newTestMetrics(t)

	m.SetManager(true)
	assert.Equal(t, 1.0, gaugeValue(t, m.IsManager))
	assert.Equal(t, 1.0, counterValue(t, m.ManagerElections))

	m.SetManager(false)
	assert.Equal(t, 0.0, gaugeValue(t, m.IsManager))
	// losing the role never counts as a fresh election
	assert.Equal(t, 1.0, counterValue(t, m.ManagerElections))

	m.SetManager(true)
	assert.Equal(t, 2.0, counterValue(t, m.ManagerElections))
}

func TestInFlightIncrementDecrement(t *testing.T) {
	m := newTestMetrics(t)
	m.IncrementInFlight()
	m.IncrementInFlight()
	assert.Equal(t, 2.0, gaugeValue(t, m.RequestsInFlight))
	m.DecrementInFlight()
	assert.Equal(t, 1.0, gaugeValue(t, m.RequestsInFlight))
}

func TestEnabledDefaultsTrueAndRespectsEnvOverride(t *testing.T) {
	os.Unsetenv("METRICS_ENABLED")
	assert.True(t, Enabled())

	os.Setenv("METRICS_ENABLED", "false")
	defer os.Unsetenv("METRICS_ENABLED")
	assert.False(t, Enabled())

	os.Setenv("METRICS_ENABLED", "YES")
	assert.True(t, Enabled())
}

func TestGlobalReturnsSingleton(t *testing.T) {
	a := Global()
	b := Global()
	assert.Same(t, a, b)
}
