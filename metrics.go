package fieldsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is
// valid everywhere and records nothing, so tests and embedders that do not
// scrape pay no cost.
type Metrics struct {
	registry prometheus.Registerer

	opsEnqueued   prometheus.Counter
	opsSubmitted  prometheus.Counter
	opsFailed     prometheus.Counter
	queueDepth    prometheus.Gauge
	echoDecisions *prometheus.CounterVec
	applies       *prometheus.CounterVec
	backups       *prometheus.CounterVec
	restores      *prometheus.CounterVec
	integrity     prometheus.Counter
	syncDuration  prometheus.Histogram
	reconnects    prometheus.Counter
}

// NewMetrics creates the instrument set registered against reg. A nil reg
// gets a private registry, which keeps tests isolated from the default
// global one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		opsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "ops_enqueued_total",
			Help:      "Operations accepted into the local queue.",
		}),
		opsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "ops_submitted_total",
			Help:      "Operations acknowledged by the remote store.",
		}),
		opsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "ops_submit_failures_total",
			Help:      "Failed submission attempts, including retries.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "queue_depth",
			Help:      "Operations waiting in the durable queue.",
		}),
		echoDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "echo_decisions_total",
			Help:      "Echo filter decisions by matched tier.",
		}, []string{"reason"}),
		applies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "updates_applied_total",
			Help:      "Remote update dispositions.",
		}, []string{"result"}),
		backups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "backups_total",
			Help:      "Local backup attempts by result.",
		}, []string{"result"}),
		restores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "restores_total",
			Help:      "Backup restore attempts by result.",
		}, []string{"result"}),
		integrity: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "integrity_warnings_total",
			Help:      "Data-loss warnings raised by the integrity monitor.",
		}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Name:      "sync_duration_seconds",
			Help:      "Duration of queue drain rounds.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "realtime_reconnects_total",
			Help:      "Realtime channel reconnect attempts.",
		}),
	}
}

// Registry returns the registerer the metrics are bound to.
func (m *Metrics) Registry() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeEnqueue() {
	if m == nil {
		return
	}
	m.opsEnqueued.Inc()
}

func (m *Metrics) observeSubmitted(n int) {
	if m == nil {
		return
	}
	m.opsSubmitted.Add(float64(n))
}

func (m *Metrics) observeSubmitFailure() {
	if m == nil {
		return
	}
	m.opsFailed.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) observeEcho(reason string) {
	if m == nil {
		return
	}
	m.echoDecisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeApply(result string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(result).Inc()
}

func (m *Metrics) observeBackup(ok bool) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) observeRestore(ok bool) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) observeIntegrityWarning() {
	if m == nil {
		return
	}
	m.integrity.Inc()
}

func (m *Metrics) observeSyncDuration(seconds float64) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(seconds)
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
