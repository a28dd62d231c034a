package metric

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	debugScanNamespace = "go_pq_debugscan"
	scanSubsystem      = "scan"
	tupleSubsystem     = "tuple"
)

type Metric interface {
	ScanIncrement()
	ScanErrorIncrement()
	VisibleTupleIncrement(count int64)
	InvisibleTupleIncrement(count int64)
	PageReadIncrement(count int64)
	SetScanDuration(seconds float64)

	PrometheusCollectors() []prometheus.Collector
}

type metric struct {
	totalScan           prometheus.Counter
	totalScanError      prometheus.Counter
	totalVisibleTuple   prometheus.Counter
	totalInvisibleTuple prometheus.Counter
	totalPageRead       prometheus.Counter

	scanDuration prometheus.Gauge
}

//nolint:funlen
func NewMetric(database string) Metric {
	hostname, _ := os.Hostname()
	labels := prometheus.Labels{
		"database": database,
		"host":     hostname,
	}

	return &metric{
		totalScan: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   debugScanNamespace,
			Subsystem:   scanSubsystem,
			Name:        "total",
			Help:        "total number of debug scans started",
			ConstLabels: labels,
		}),
		totalScanError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   debugScanNamespace,
			Subsystem:   scanSubsystem,
			Name:        "error_total",
			Help:        "total number of debug scans that failed",
			ConstLabels: labels,
		}),
		totalVisibleTuple: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   debugScanNamespace,
			Subsystem:   tupleSubsystem,
			Name:        "visible_total",
			Help:        "total number of tuple versions visible under the scan snapshot",
			ConstLabels: labels,
		}),
		totalInvisibleTuple: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   debugScanNamespace,
			Subsystem:   tupleSubsystem,
			Name:        "invisible_total",
			Help:        "total number of tuple versions skipped as invisible under the scan snapshot",
			ConstLabels: labels,
		}),
		totalPageRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   debugScanNamespace,
			Subsystem:   "page",
			Name:        "read_total",
			Help:        "total number of heap pages read through pageinspect",
			ConstLabels: labels,
		}),
		scanDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   debugScanNamespace,
			Subsystem:   scanSubsystem,
			Name:        "duration_seconds",
			Help:        "duration of the latest debug scan",
			ConstLabels: labels,
		}),
	}
}

func (m *metric) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.totalScan,
		m.totalScanError,
		m.totalVisibleTuple,
		m.totalInvisibleTuple,
		m.totalPageRead,
		m.scanDuration,
	}
}

func (m *metric) ScanIncrement() {
	m.totalScan.Inc()
}

func (m *metric) ScanErrorIncrement() {
	m.totalScanError.Inc()
}

func (m *metric) VisibleTupleIncrement(count int64) {
	m.totalVisibleTuple.Add(float64(count))
}

func (m *metric) InvisibleTupleIncrement(count int64) {
	m.totalInvisibleTuple.Add(float64(count))
}

func (m *metric) PageReadIncrement(count int64) {
	m.totalPageRead.Add(float64(count))
}

func (m *metric) SetScanDuration(seconds float64) {
	m.scanDuration.Set(seconds)
}
