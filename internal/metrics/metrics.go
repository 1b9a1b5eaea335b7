// Package metrics exposes pipeline-wide Prometheus instrumentation. A
// single Registry is built at startup and handed to each component's
// constructor; every Record* call is label-cardinality bounded (camera
// names, detection sources, event kinds -- never raw detection or event
// ids) so the /metrics endpoint stays cheap to scrape regardless of
// detection volume.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the narrow interface pipeline components depend on, so a
// test can substitute NoOp or a capturing fake without importing
// prometheus at all.
type Recorder interface {
	RecordOperation(operation, status string)
	RecordDuration(operation string, seconds float64)
	RecordError(operation, errorType string)
	SetGauge(name string, value float64)
}

// Metrics is the Recorder backed by a prometheus.Registry.
type Metrics struct {
	operationsTotal *prometheus.CounterVec
	operationSecs   *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	gauges          *prometheus.GaugeVec
}

// New registers every collector against registry and returns a Metrics, or
// an error if registration conflicts with an existing collector (e.g. New
// called twice against the same registry).
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "operations_total",
			Help:      "Count of pipeline operations by operation and status.",
		}, []string{"operation", "status"}),
		operationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "operation_duration_seconds",
			Help:      "Duration of pipeline operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "errors_total",
			Help:      "Count of pipeline errors by operation and error type.",
		}, []string{"operation", "error_type"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "gauge",
			Help:      "Point-in-time pipeline gauges, labeled by name (subscriber count, queue depth, cache bytes).",
		}, []string{"name"}),
	}
	for _, c := range []prometheus.Collector{m.operationsTotal, m.operationSecs, m.errorsTotal, m.gauges} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordDuration(operation string, seconds float64) {
	m.operationSecs.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

func (m *Metrics) SetGauge(name string, value float64) {
	m.gauges.WithLabelValues(name).Set(value)
}

// Time records operation's duration from start to now.
func Time(r Recorder, operation string, start time.Time) {
	r.RecordDuration(operation, time.Since(start).Seconds())
}

// noop satisfies Recorder as a discard target for callers that don't wire
// a Metrics instance (e.g. unit tests of a component in isolation).
type noop struct{}

func (noop) RecordOperation(string, string)    {}
func (noop) RecordDuration(string, float64)    {}
func (noop) RecordError(string, string)        {}
func (noop) SetGauge(string, float64)          {}

// NoOp returns a Recorder that discards everything.
func NoOp() Recorder { return noop{} }
