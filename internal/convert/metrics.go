package convert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts conversion work on a private registry so a run can be
// exported as a node_exporter textfile.
type Metrics struct {
	reg *prometheus.Registry

	tasks        *prometheus.CounterVec
	shards       prometheus.Counter
	bytes        prometheus.Counter
	taskDuration prometheus.Histogram
	manifest     *prometheus.CounterVec
}

func NewMetrics(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"run": runID}

	return &Metrics{
		reg: reg,
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "tpconvert_tasks_total",
			Help:        "Conversion tasks by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		shards: f.NewCounter(prometheus.CounterOpts{
			Name:        "tpconvert_shards_written_total",
			Help:        "Shard files written",
			ConstLabels: labels,
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "tpconvert_bytes_written_total",
			Help:        "Bytes written to shard files",
			ConstLabels: labels,
		}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "tpconvert_task_duration_seconds",
			Help:        "Time to prepare, split and write one tensor",
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
			ConstLabels: labels,
		}),
		manifest: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "tpconvert_manifest_writes_total",
			Help:        "config.ini writes by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
	}
}

// Observe records a finished task.
func (m *Metrics) Observe(r TaskResult) {
	switch {
	case r.Skipped:
		m.tasks.WithLabelValues("skipped").Inc()
		return
	case r.Err != nil:
		m.tasks.WithLabelValues("failed").Inc()
	default:
		m.tasks.WithLabelValues("ok").Inc()
	}
	m.taskDuration.Observe(r.Elapsed.Seconds())
	for _, s := range r.Shards {
		m.shards.Inc()
		m.bytes.Add(float64(s.Bytes))
	}
}

func (m *Metrics) ObserveManifest(err error) {
	if err != nil {
		m.manifest.WithLabelValues("failed").Inc()
		return
	}
	m.manifest.WithLabelValues("ok").Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
