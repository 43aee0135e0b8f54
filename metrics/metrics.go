package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "test_reporter"
)

var nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

// Metricer records delivery pipeline activity.
type Metricer interface {
	RecordEnqueued()
	RecordDropped()
	RecordQueueDepth(depth int)
	RecordFlush(sink string, delivered int, failed int, duration time.Duration)
	RecordError(label string)
	RecordErrorDetails(label string, err error)
}

type Metrics struct {
	registry *prometheus.Registry

	recordsEnqueued  prometheus.Counter
	recordsDropped   prometheus.Counter
	recordsDelivered *prometheus.CounterVec
	recordsFailed    *prometheus.CounterVec
	batchesFlushed   *prometheus.CounterVec
	flushDuration    *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	errorsTotal      *prometheus.CounterVec
}

var _ Metricer = (*Metrics)(nil)

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		recordsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "records_enqueued_total",
			Help:      "Count of records handed to the delivery queue",
		}),
		recordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "records_dropped_total",
			Help:      "Count of records rejected because the shipper had stopped",
		}),
		recordsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "records_delivered_total",
			Help:      "Count of records accepted by a sink",
		}, []string{
			"sink",
		}),
		recordsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "records_failed_total",
			Help:      "Count of records rejected by a sink",
		}, []string{
			"sink",
		}),
		batchesFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "batches_flushed_total",
			Help:      "Count of batch insert calls",
		}, []string{
			"sink",
		}),
		flushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch insert calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{
			"sink",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "queue_depth",
			Help:      "Records waiting in the delivery queue",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "errors_total",
			Help:      "Count of errors",
		}, []string{
			"error",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordEnqueued() {
	m.recordsEnqueued.Inc()
}

func (m *Metrics) RecordDropped() {
	m.recordsDropped.Inc()
}

func (m *Metrics) RecordQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) RecordFlush(sink string, delivered int, failed int, duration time.Duration) {
	m.batchesFlushed.WithLabelValues(sink).Inc()
	m.recordsDelivered.WithLabelValues(sink).Add(float64(delivered))
	m.recordsFailed.WithLabelValues(sink).Add(float64(failed))
	m.flushDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(label string) {
	m.errorsTotal.WithLabelValues(label).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func (m *Metrics) RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	m.RecordError(fmt.Sprintf("%s.%s", label, errToLabel(err)))
}

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

type noopMetrics struct{}

// NoopMetrics discards everything.
var NoopMetrics Metricer = noopMetrics{}

func (noopMetrics) RecordEnqueued()                             {}
func (noopMetrics) RecordDropped()                              {}
func (noopMetrics) RecordQueueDepth(int)                        {}
func (noopMetrics) RecordFlush(string, int, int, time.Duration) {}
func (noopMetrics) RecordError(string)                          {}
func (noopMetrics) RecordErrorDetails(string, error)            {}
