// Package metrics exposes Prometheus instruments for pools, queries, audit and sync runs.
// Every method is safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	poolConnections *prometheus.GaugeVec
	poolAcquireWait *prometheus.HistogramVec
	poolAcquireErrs *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec
	queriesTotal  *prometheus.CounterVec
	connErrors    prometheus.Counter

	auditEntries  *prometheus.CounterVec
	auditFailures prometheus.Counter

	syncRuns     *prometheus.CounterVec
	syncRows     *prometheus.CounterVec
	syncDuration prometheus.Histogram
}

// NewCollector registers all instruments on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		poolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Pooled connections by pool and state",
		}, []string{"pool", "state"}),
		poolAcquireWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a pooled connection",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"pool"}),
		poolAcquireErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_errors_total",
			Help:      "Failed connection acquisitions by reason",
		}, []string{"pool", "reason"}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database operation duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "queries_total",
			Help:      "Database operations by outcome",
		}, []string{"status"}),
		connErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connection_errors_total",
			Help:      "Connection-level errors",
		}),
		auditEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Audit entries written by event",
		}, []string{"event"}),
		auditFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit entries that could not be persisted",
		}),
		syncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by direction and outcome",
		}, []string{"source", "target", "status"}),
		syncRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rows_total",
			Help:      "Rows copied by table",
		}, []string{"table"}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Sync run duration",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (c *Collector) SetPoolConnections(pool string, active, idle int) {
	if c == nil {
		return
	}
	c.poolConnections.WithLabelValues(pool, "active").Set(float64(active))
	c.poolConnections.WithLabelValues(pool, "idle").Set(float64(idle))
}

func (c *Collector) ObserveAcquire(pool string, wait time.Duration, err error, reason string) {
	if c == nil {
		return
	}
	c.poolAcquireWait.WithLabelValues(pool).Observe(wait.Seconds())
	if err != nil {
		c.poolAcquireErrs.WithLabelValues(pool, reason).Inc()
	}
}

func (c *Collector) ObserveQuery(d time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	c.queryDuration.WithLabelValues(status).Observe(d.Seconds())
	c.queriesTotal.WithLabelValues(status).Inc()
}

func (c *Collector) IncConnectionErrors() {
	if c == nil {
		return
	}
	c.connErrors.Inc()
}

func (c *Collector) IncAuditEntry(event string) {
	if c == nil {
		return
	}
	c.auditEntries.WithLabelValues(event).Inc()
}

func (c *Collector) IncAuditFailure() {
	if c == nil {
		return
	}
	c.auditFailures.Inc()
}

func (c *Collector) ObserveSync(source, target string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	c.syncRuns.WithLabelValues(source, target, status).Inc()
	c.syncDuration.Observe(d.Seconds())
}

func (c *Collector) AddSyncRows(table string, rows int64) {
	if c == nil {
		return
	}
	c.syncRows.WithLabelValues(table).Add(float64(rows))
}
