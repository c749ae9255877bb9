package replication

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "ramstream"
	metricsSubsystem = "replication"
)

// Metrics holds the Prometheus collectors for replication. A Metrics that
// was never registered still works; its values are simply not exported.
type Metrics struct {
	bufferLevel       *prometheus.GaugeVec
	bufferBytes       *prometheus.GaugeVec
	throttleIntensity *prometheus.GaugeVec
	replicationLag    *prometheus.GaugeVec
	pagesReplicated   *prometheus.CounterVec
	pagesDropped      *prometheus.CounterVec
	emergencyPauses   *prometheus.CounterVec
	cycleErrors       *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
	transferFailures  *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	migrations        *prometheus.CounterVec
	failovers         *prometheus.CounterVec
}

// NewMetrics creates the replication collectors and registers them with reg
// when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		bufferLevel:       gauge("buffer_level", "Replication buffer fullness (0-1, >1 on overflow).", "vm"),
		bufferBytes:       gauge("buffer_bytes", "Bytes of unacknowledged pages in the replication buffer.", "vm"),
		throttleIntensity: gauge("throttle_intensity", "Last throttling intensity applied to the VM.", "vm"),
		replicationLag:    gauge("lag_seconds", "Age of the oldest unacknowledged page.", "vm"),
		pagesReplicated:   counter("pages_replicated_total", "Pages acknowledged by backup nodes.", "vm"),
		pagesDropped:      counter("pages_dropped_total", "Buffered pages discarded in lossy mode.", "vm"),
		emergencyPauses:   counter("emergency_pauses_total", "Emergency pauses triggered by a saturated buffer.", "vm"),
		cycleErrors:       counter("cycle_errors_total", "Failed replication cycles by cause.", "vm", "kind"),
		bytesTransferred:  counter("transferred_bytes_total", "Bytes delivered to backup nodes.", "node"),
		transferFailures:  counter("transfer_failures_total", "Failed chunk deliveries.", "node"),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "chunk_transfer_seconds",
			Help:      "Duration of chunk deliveries to backup nodes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"node"}),
		migrations: counter("migrations_total", "Planned migrations by result.", "result"),
		failovers:  counter("failovers_total", "Unplanned failovers by result.", "result"),
	}

	if reg != nil {
		reg.MustRegister(
			m.bufferLevel,
			m.bufferBytes,
			m.throttleIntensity,
			m.replicationLag,
			m.pagesReplicated,
			m.pagesDropped,
			m.emergencyPauses,
			m.cycleErrors,
			m.bytesTransferred,
			m.transferFailures,
			m.transferDuration,
			m.migrations,
			m.failovers,
		)
	}

	return m
}

func (m *Metrics) observeBuffer(vmID string, bytes, maxBytes int64, lag time.Duration) {
	m.bufferBytes.WithLabelValues(vmID).Set(float64(bytes))
	m.bufferLevel.WithLabelValues(vmID).Set(float64(bytes) / float64(maxBytes))
	m.replicationLag.WithLabelValues(vmID).Set(lag.Seconds())
}

func (m *Metrics) observeChunk(nodeID string, bytes int64, took time.Duration, err error) {
	m.transferDuration.WithLabelValues(nodeID).Observe(took.Seconds())
	if err != nil {
		m.transferFailures.WithLabelValues(nodeID).Inc()
		return
	}
	m.bytesTransferred.WithLabelValues(nodeID).Add(float64(bytes))
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// forget drops the per-VM series of a VM that is no longer replicated.
func (m *Metrics) forget(vmID string) {
	m.bufferLevel.DeleteLabelValues(vmID)
	m.bufferBytes.DeleteLabelValues(vmID)
	m.throttleIntensity.DeleteLabelValues(vmID)
	m.replicationLag.DeleteLabelValues(vmID)
	m.pagesReplicated.DeleteLabelValues(vmID)
	m.pagesDropped.DeleteLabelValues(vmID)
	m.emergencyPauses.DeleteLabelValues(vmID)
	m.cycleErrors.DeletePartialMatch(prometheus.Labels{"vm": vmID})
}
