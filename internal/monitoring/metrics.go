package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/ingest"
)

const namespace = "sci_proximity"

// Metrics holds the Prometheus counters and histograms for one batch run.
// All methods are safe on a nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	RowsRead        *prometheus.CounterVec // labels: source
	RowsMalformed   *prometheus.CounterVec // labels: source, reason
	RowsOutOfDomain *prometheus.CounterVec // labels: source
	ExcludedHomes   prometheus.Counter
	MissingJoinKeys *prometheus.CounterVec // labels: kind={distance,outcome}
	Clamps          prometheus.Counter

	PartitionDuration *prometheus.HistogramVec // labels: weighting
	PartitionRows     *prometheus.HistogramVec // labels: weighting
	RowsWritten       *prometheus.CounterVec   // labels: sink
	LastRunSuccess    prometheus.Gauge
	LastRunTimestamp  prometheus.Gauge
}

// NewMetrics creates metrics registered on a private registry. A batch CLI
// exports them once through WriteTextfile, so there is no shared global
// registry to collide with.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RowsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_read_total",
			Help:      "Input data rows read, by source file.",
		}, []string{"source"}),
		RowsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_malformed_total",
			Help:      "Input rows skipped as malformed, by source and failing field.",
		}, []string{"source", "reason"}),
		RowsOutOfDomain: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_out_of_domain_total",
			Help:      "Input rows discarded because an identifier is outside the valid domain.",
		}, []string{"source"}),
		ExcludedHomes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "excluded_homes_total",
			Help:      "Homes excluded because their total weight is zero.",
		}),
		MissingJoinKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_join_keys_total",
			Help:      "Neighbors skipped for a missing distance or outcome.",
		}, []string{"kind"}),
		Clamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negative_deltas_clamped_total",
			Help:      "Negative period changes replaced by zero.",
		}),
		PartitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_duration_seconds",
			Help:      "Wall time of one aggregation partition.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"weighting"}),
		PartitionRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_rows",
			Help:      "Output rows produced by one aggregation partition.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"weighting"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Output rows written, by sink.",
		}, []string{"sink"}),
		LastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run finished without error, 0 otherwise.",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}

	m.registry.MustRegister(
		m.RowsRead,
		m.RowsMalformed,
		m.RowsOutOfDomain,
		m.ExcludedHomes,
		m.MissingJoinKeys,
		m.Clamps,
		m.PartitionDuration,
		m.PartitionRows,
		m.RowsWritten,
		m.LastRunSuccess,
		m.LastRunTimestamp,
	)
	return m
}

// Registry exposes the registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveTally records the row counts of one input read.
func (m *Metrics) ObserveTally(t *ingest.Tally) {
	if m == nil || t == nil {
		return
	}
	m.RowsRead.WithLabelValues(t.Source).Add(float64(t.Read))
	m.RowsOutOfDomain.WithLabelValues(t.Source).Add(float64(t.OutOfDomain))
	for reason, n := range t.Reasons() {
		m.RowsMalformed.WithLabelValues(t.Source, reason).Add(float64(n))
	}
}

// ObservePartition records one finished partition.
func (m *Metrics) ObservePartition(weighting string, d time.Duration, rows int) {
	if m == nil {
		return
	}
	m.PartitionDuration.WithLabelValues(weighting).Observe(d.Seconds())
	m.PartitionRows.WithLabelValues(weighting).Observe(float64(rows))
}

// ObserveExcluded adds excluded zero-weight homes.
func (m *Metrics) ObserveExcluded(n int) {
	if m == nil {
		return
	}
	m.ExcludedHomes.Add(float64(n))
}

// ObserveMissing adds skipped neighbors for kind (distance or outcome).
func (m *Metrics) ObserveMissing(kind string, n int) {
	if m == nil {
		return
	}
	m.MissingJoinKeys.WithLabelValues(kind).Add(float64(n))
}

// ObserveClamps adds clamped negative deltas.
func (m *Metrics) ObserveClamps(n int) {
	if m == nil {
		return
	}
	m.Clamps.Add(float64(n))
}

// ObserveWritten adds rows written to sink.
func (m *Metrics) ObserveWritten(sink string, n int) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(sink).Add(float64(n))
}

// Finish stamps the run outcome.
func (m *Metrics) Finish(at time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.LastRunSuccess.Set(0)
	} else {
		m.LastRunSuccess.Set(1)
	}
	m.LastRunTimestamp.Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics in the text exposition format to path,
// for pickup by the node exporter textfile collector. The file is replaced
// atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return eris.Wrapf(err, "monitoring: write metrics textfile %s", path)
	}
	return nil
}
