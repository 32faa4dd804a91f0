package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/envdb/internal/models"
)

func TestMonitor_Metrics(t *testing.T) {
	m := New(100*time.Millisecond, 10, nil, nil)

	m.RecordQuery("SELECT 1", 10*time.Millisecond, true, nil)
	m.RecordQuery("SELECT 2", 200*time.Millisecond, true, nil)
	m.RecordQuery("SELECT 3", 30*time.Millisecond, false, errors.New("boom"))
	m.RecordQuery("SELECT 4", 40*time.Millisecond, true, nil)

	got := m.Metrics()
	assert.Equal(t, int64(4), got.QueryCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, int64(1), got.SlowQueryCount)
	assert.Equal(t, 70*time.Millisecond, got.AvgResponseTime)
	assert.InDelta(t, 25.0, got.ErrorRate, 0.001)
	assert.InDelta(t, 25.0, got.SlowQueryRate, 0.001)
	assert.Equal(t, "boom", got.LastError)

	assert.Equal(t, got, m.Metrics(), "Metrics has no side effects")
}

func TestMonitor_ConnectionErrorsAreSeparate(t *testing.T) {
	m := New(0, 0, nil, nil)
	m.RecordConnectionError("dial tcp: connection refused")

	got := m.Metrics()
	assert.Equal(t, int64(1), got.ConnectionErrors)
	assert.Zero(t, got.QueryCount)
	assert.Zero(t, got.ErrorCount)
}

func TestMonitor_RecentQueriesRing(t *testing.T) {
	m := New(time.Second, 3, nil, nil)
	for i := 1; i <= 5; i++ {
		m.RecordQuery(fmt.Sprintf("q%d", i), time.Millisecond, true, nil)
	}

	recent := m.RecentQueries()
	require.Len(t, recent, 3)
	assert.Equal(t, "q3", recent[0].Description)
	assert.Equal(t, "q5", recent[2].Description)
}

func TestMonitor_SanitizesRecords(t *testing.T) {
	m := New(time.Second, 5, nil, nil)
	m.RecordQuery("UPDATE users SET password='hunter2'", time.Millisecond, false,
		errors.New("auth failed for postgres://app:s3cret@db/app"))

	rec := m.RecentQueries()[0]
	assert.NotContains(t, rec.Description, "hunter2")
	assert.NotContains(t, rec.Error, "s3cret")
	assert.NotContains(t, m.Metrics().LastError, "s3cret")
}

func TestMonitor_HealthStatus(t *testing.T) {
	tests := []struct {
		name   string
		record func(m *Monitor)
		want   models.HealthStatus
	}{
		{"no traffic", func(m *Monitor) {}, models.HealthHealthy},
		{"all good", func(m *Monitor) {
			for i := 0; i < 10; i++ {
				m.RecordQuery("q", time.Millisecond, true, nil)
			}
		}, models.HealthHealthy},
		{"20% errors", func(m *Monitor) {
			for i := 0; i < 10; i++ {
				m.RecordQuery("q", time.Millisecond, i >= 2, nil)
			}
		}, models.HealthDegraded},
		{"60% errors", func(m *Monitor) {
			for i := 0; i < 10; i++ {
				m.RecordQuery("q", time.Millisecond, i >= 6, nil)
			}
		}, models.HealthUnhealthy},
		{"slow average", func(m *Monitor) {
			m.RecordQuery("q", 6*time.Second, true, nil)
		}, models.HealthDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(10*time.Second, 10, nil, nil)
			tt.record(m)
			h := m.HealthStatus()
			assert.Equal(t, tt.want, h.Status)
			if tt.want != models.HealthHealthy {
				assert.NotEmpty(t, h.Issues)
			}
		})
	}
}

func TestMonitor_TrackAndAuditFailures(t *testing.T) {
	m := New(time.Second, 5, nil, nil)

	err := m.Track(context.Background(), "SELECT 1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	err = m.Track(context.Background(), "SELECT 2", func(ctx context.Context) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	m.RecordAuditFailure(errors.New("disk full"))

	got := m.Metrics()
	assert.Equal(t, int64(2), got.QueryCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, int64(1), got.AuditFailures)
	assert.Contains(t, m.HealthStatus().Issues, "1 audit write failures")

	m.Reset()
	assert.Zero(t, m.Metrics().QueryCount)
	assert.Empty(t, m.RecentQueries())
}
