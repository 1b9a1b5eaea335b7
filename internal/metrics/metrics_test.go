package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, g.Write(&metric))
	return metric.Gauge.GetValue()
}

func TestRecordOperationIncrementsLabeledCounter(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordOperation("classify", "success")
	m.RecordOperation("classify", "success")
	m.RecordOperation("classify", "error")

	assert.Equal(t, float64(2), counterValue(t, m.operationsTotal.WithLabelValues("classify", "success")))
	assert.Equal(t, float64(1), counterValue(t, m.operationsTotal.WithLabelValues("classify", "error")))
}

func TestRecordErrorIncrementsLabeledCounter(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordError("snapshot_fetch", "timeout")
	assert.Equal(t, float64(1), counterValue(t, m.errorsTotal.WithLabelValues("snapshot_fetch", "timeout")))
}

func TestSetGaugeOverwritesPreviousValue(t *testing.T) {
	m := newTestMetrics(t)
	m.SetGauge("broadcaster_subscribers", 3)
	m.SetGauge("broadcaster_subscribers", 5)
	assert.Equal(t, float64(5), gaugeValue(t, m.gauges.WithLabelValues("broadcaster_subscribers")))
}

func TestRecordDurationObservesHistogram(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordDuration("classify", 0.25)

	var metric dto.Metric
	require.NoError(t, m.operationSecs.WithLabelValues("classify").(prometheus.Histogram).Write(&metric))
	assert.Equal(t, uint64(1), metric.Histogram.GetSampleCount())
	assert.InDelta(t, 0.25, metric.Histogram.GetSampleSum(), 1e-9)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)
	_, err = New(registry)
	assert.Error(t, err)
}

func TestNoOpDiscardsEverything(t *testing.T) {
	r := NoOp()
	r.RecordOperation("x", "success")
	r.RecordDuration("x", 1.0)
	r.RecordError("x", "y")
	r.SetGauge("z", 1)
}
