// Package monitor tracks logical database operations and derives a health verdict from
// them. It is independent of the pools, which track physical connections.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qualys/envdb/internal/classifier"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/models"
)

const (
	DefaultSlowQueryThreshold = time.Second
	DefaultRecentQueries      = 100
)

type QueryRecord struct {
	Description string        `json:"description"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Slow        bool          `json:"slow"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Metrics is derived from the raw counters on every call.
type Metrics struct {
	QueryCount       int64         `json:"queryCount"`
	ErrorCount       int64         `json:"errorCount"`
	SlowQueryCount   int64         `json:"slowQueryCount"`
	ConnectionErrors int64         `json:"connectionErrors"`
	AuditFailures    int64         `json:"auditFailures"`
	TotalTime        time.Duration `json:"totalTime"`
	AvgResponseTime  time.Duration `json:"avgResponseTime"`
	ErrorRate        float64       `json:"errorRate"`     // percent
	SlowQueryRate    float64       `json:"slowQueryRate"` // percent
	LastError        string        `json:"lastError,omitempty"`
}

type Health struct {
	Status  models.HealthStatus `json:"status"`
	Issues  []string            `json:"issues"`
	Metrics Metrics             `json:"metrics"`
}

type Monitor struct {
	slowThreshold time.Duration
	logger        *slog.Logger
	metrics       *metrics.Collector

	mu               sync.Mutex
	queryCount       int64
	errorCount       int64
	slowCount        int64
	connectionErrors int64
	auditFailures    int64
	totalTime        time.Duration
	lastError        string

	recent []QueryRecord
	next   int
	full   bool
}

func New(slowThreshold time.Duration, recentQueries int, logger *slog.Logger, m *metrics.Collector) *Monitor {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowQueryThreshold
	}
	if recentQueries <= 0 {
		recentQueries = DefaultRecentQueries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		slowThreshold: slowThreshold,
		logger:        logger.With("component", "monitor"),
		metrics:       m,
		recent:        make([]QueryRecord, recentQueries),
	}
}

// RecordQuery updates the counters and appends a sanitized record to the ring buffer,
// evicting the oldest record when full.
func (m *Monitor) RecordQuery(description string, d time.Duration, success bool, err error) {
	rec := QueryRecord{
		Description: classifier.Redact(description),
		Duration:    d,
		Success:     success,
		Slow:        d > m.slowThreshold,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		rec.Error = classifier.Redact(err.Error())
	}

	m.mu.Lock()
	m.queryCount++
	m.totalTime += d
	if !success {
		m.errorCount++
		m.lastError = rec.Error
	}
	if rec.Slow {
		m.slowCount++
	}
	m.recent[m.next] = rec
	m.next = (m.next + 1) % len(m.recent)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	if rec.Slow {
		m.logger.Warn("slow query", "query", rec.Description, "duration", d)
	}
	m.metrics.ObserveQuery(d, success)
}

func (m *Monitor) RecordConnectionError(message string) {
	message = classifier.Redact(message)

	m.mu.Lock()
	m.connectionErrors++
	m.lastError = message
	m.mu.Unlock()

	m.logger.Warn("connection error", "error", message)
	m.metrics.IncConnectionErrors()
}

// RecordAuditFailure counts an audit entry that could not be persisted. The originating
// operation has already gone ahead.
func (m *Monitor) RecordAuditFailure(err error) {
	msg := ""
	if err != nil {
		msg = classifier.Redact(err.Error())
	}

	m.mu.Lock()
	m.auditFailures++
	m.mu.Unlock()

	m.logger.Warn("audit write failed", "error", msg)
	m.metrics.IncAuditFailure()
}

// Track runs fn and records its duration and outcome.
func (m *Monitor) Track(ctx context.Context, description string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	m.RecordQuery(description, time.Since(start), err == nil, err)
	return err
}

func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		QueryCount:       m.queryCount,
		ErrorCount:       m.errorCount,
		SlowQueryCount:   m.slowCount,
		ConnectionErrors: m.connectionErrors,
		AuditFailures:    m.auditFailures,
		TotalTime:        m.totalTime,
		LastError:        m.lastError,
	}
	if m.queryCount > 0 {
		out.AvgResponseTime = m.totalTime / time.Duration(m.queryCount)
		out.ErrorRate = float64(m.errorCount) / float64(m.queryCount) * 100
		out.SlowQueryRate = float64(m.slowCount) / float64(m.queryCount) * 100
	}
	return out
}

// HealthStatus applies the shared thresholds to the current metrics and explains each
// threshold that was crossed.
func (m *Monitor) HealthStatus() Health {
	metrics := m.Metrics()
	status := models.EvaluateHealth(metrics.ErrorRate/100, metrics.AvgResponseTime)

	issues := []string{}
	switch {
	case metrics.ErrorRate/100 > models.UnhealthyFailureRate:
		issues = append(issues, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", metrics.ErrorRate, models.UnhealthyFailureRate*100))
	case metrics.ErrorRate/100 > models.DegradedFailureRate:
		issues = append(issues, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", metrics.ErrorRate, models.DegradedFailureRate*100))
	}
	if metrics.AvgResponseTime > models.DegradedLatency {
		issues = append(issues, fmt.Sprintf("average response time %s exceeds %s", metrics.AvgResponseTime, models.DegradedLatency))
	}
	if metrics.ConnectionErrors > 0 {
		issues = append(issues, fmt.Sprintf("%d connection errors", metrics.ConnectionErrors))
	}
	if metrics.AuditFailures > 0 {
		issues = append(issues, fmt.Sprintf("%d audit write failures", metrics.AuditFailures))
	}

	return Health{Status: status, Issues: issues, Metrics: metrics}
}

// RecentQueries returns the buffered records, oldest first.
func (m *Monitor) RecentQueries() []QueryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		out := make([]QueryRecord, m.next)
		copy(out, m.recent[:m.next])
		return out
	}
	out := make([]QueryRecord, 0, len(m.recent))
	out = append(out, m.recent[m.next:]...)
	out = append(out, m.recent[:m.next]...)
	return out
}

// Reset clears counters and the ring buffer.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCount, m.errorCount, m.slowCount = 0, 0, 0
	m.connectionErrors, m.auditFailures = 0, 0
	m.totalTime = 0
	m.lastError = ""
	m.recent = make([]QueryRecord, len(m.recent))
	m.next, m.full = 0, false
}
