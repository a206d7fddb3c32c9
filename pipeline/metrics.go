package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spatialqc"

// Metrics holds the counters of a Pipeline. Each Pipeline has its own
// prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	readsValidated prometheus.Counter
	recordsFailed  *prometheus.CounterVec
	readsTagged    prometheus.Counter
	barcodesKept   prometheus.Counter
	barcodesInput  prometheus.Counter
	acquisitions   *prometheus.CounterVec
}

func newMetrics() *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Pipeline operations by outcome.",
		}, []string{"operation", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of pipeline operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"operation"}),
		readsValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_validated_total",
			Help:      "FASTQ records validated.",
		}),
		recordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Records that failed structural checks.",
		}, []string{"operation"}),
		readsTagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_tagged_total",
			Help:      "FASTQ records written with a UMI.",
		}),
		barcodesKept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barcodes_retained_total",
			Help:      "Spatial barcodes that passed QC thresholds.",
		}),
		barcodesInput: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barcodes_input_total",
			Help:      "Spatial barcodes given to the QC filter.",
		}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_acquisitions_total",
			Help:      "Reference asset acquisitions, by whether they hit the cache.",
		}, []string{"result"}),
	}
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(m.operations, m.duration, m.readsValidated, m.recordsFailed,
		m.readsTagged, m.barcodesKept, m.barcodesInput, m.acquisitions)
	return m
}

// Gatherer returns the registry holding the metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// WriteToTextfile writes the metrics to path in the text exposition format,
// for collection by the node exporter's textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) observeAsset(attempts int) {
	if attempts == 0 {
		m.acquisitions.WithLabelValues("hit").Inc()
	} else {
		m.acquisitions.WithLabelValues("download").Inc()
	}
}
