package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("envdb", reg)

	c.SetPoolConnections("production/postgres", 3, 1)
	c.ObserveAcquire("production/postgres", 10*time.Millisecond, errors.New("timeout"), "exhausted")
	c.ObserveQuery(5*time.Millisecond, true)
	c.ObserveQuery(5*time.Millisecond, false)
	c.IncConnectionErrors()
	c.IncAuditEntry("SYNC_START")
	c.IncAuditFailure()
	c.ObserveSync("production", "development", true, time.Second)
	c.AddSyncRows("users", 42)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("production/postgres", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolAcquireErrs.WithLabelValues("production/postgres", "exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queriesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.auditFailures))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.syncRows.WithLabelValues("users")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetPoolConnections("p", 1, 1)
		c.ObserveAcquire("p", time.Millisecond, nil, "")
		c.ObserveQuery(time.Millisecond, true)
		c.IncConnectionErrors()
		c.IncAuditEntry("X")
		c.IncAuditFailure()
		c.ObserveSync("a", "b", false, time.Second)
		c.AddSyncRows("t", 1)
	})
}

func TestNewCollector_IsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("envdb", prometheus.NewRegistry())
		NewCollector("envdb", prometheus.NewRegistry())
	})
}
