package audit

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/envdb/internal/classifier"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/models"
	"github.com/qualys/envdb/internal/monitor"
)

type recordedFailures struct {
	errs []error
}

func (r *recordedFailures) RecordAuditFailure(err error) {
	r.errs = append(r.errs, err)
}

func TestLogger_RedactsSecrets(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(context.Background(), sink, nil, nil, nil)

	entry := l.Log(context.Background(), Record{
		Event:       EventConnectionCreated,
		UserID:      "u1",
		Environment: models.EnvProduction,
		Data: map[string]interface{}{
			"password": "hunter2",
			"url":      "postgres://app:s3cret@db/app",
			"nested":   map[string]interface{}{"apiKey": "abc", "table": "users"},
			"list":     []interface{}{"token=xyz", 3},
		},
		Success: false,
		Err:     errors.New("login failed: password=hunter2"),
	})

	assert.Equal(t, classifier.Redacted, entry.Data["password"])
	assert.NotContains(t, entry.Data["url"], "s3cret")
	nested := entry.Data["nested"].(map[string]interface{})
	assert.Equal(t, classifier.Redacted, nested["apiKey"])
	assert.Equal(t, "users", nested["table"])
	assert.NotContains(t, entry.Data["list"].([]interface{})[0], "xyz")
	assert.NotContains(t, entry.ErrorMessage, "hunter2")

	stored, err := sink.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].Hash)
	assert.NotEmpty(t, stored[0].ID)
}

func TestLogger_HashChain(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(context.Background(), sink, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Log(ctx, Record{Event: EventOperation, Data: map[string]interface{}{"i": i}, Success: true})
	}
	entries, _ := sink.Entries(ctx)
	require.Len(t, entries, 3)
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	require.NoError(t, Verify(entries))

	entries[1].Data["i"] = 42
	assert.ErrorIs(t, Verify(entries), ErrTampered)

	entries[1].Hash = ComputeHash(entries[1])
	assert.ErrorIs(t, Verify(entries), ErrChainBroken)
}

func TestLogger_WriteFailureIsNotFatal(t *testing.T) {
	sink := NewMemorySink()
	failures := &recordedFailures{}
	l := NewLogger(context.Background(), sink, failures, nil, nil)
	ctx := context.Background()

	first := l.Log(ctx, Record{Event: EventSyncStart, Success: true})

	sink.FailWith(errors.New("disk full"))
	entry := l.Log(ctx, Record{Event: EventSyncComplete, Success: true})
	require.NotNil(t, entry)
	require.Len(t, failures.errs, 1)
	assert.ErrorIs(t, failures.errs[0], ErrAuditWrite)

	sink.FailWith(nil)
	third := l.Log(ctx, Record{Event: EventSyncComplete, Success: true})
	assert.Equal(t, first.Hash, third.PrevHash, "a lost entry does not advance the chain")

	entries, _ := sink.Entries(ctx)
	assert.NoError(t, Verify(entries))
}

func TestLogger_WriteFailureCountedOnce(t *testing.T) {
	const expected = `
# HELP envdb_audit_write_failures_total Audit entries that could not be persisted
# TYPE envdb_audit_write_failures_total counter
envdb_audit_write_failures_total 1
`
	tests := []struct {
		name        string
		withMonitor bool
	}{
		{"monitor records the failure", true},
		{"no failure recorder", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.NewCollector("envdb", reg)

			sink := NewMemorySink()
			sink.FailWith(errors.New("sink offline"))

			var mon *monitor.Monitor
			var failures FailureRecorder
			if tt.withMonitor {
				mon = monitor.New(time.Second, 10, nil, m)
				failures = mon
			}
			l := NewLogger(context.Background(), sink, failures, nil, m)
			l.Log(context.Background(), Record{Event: EventOperation, Success: true})

			require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "envdb_audit_write_failures_total"))
			if mon != nil {
				assert.Equal(t, int64(1), mon.Metrics().AuditFailures)
			}
		})
	}
}

func TestFileSink_RoundTripAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	ctx := context.Background()

	sink, err := NewFileSink(path)
	require.NoError(t, err)
	l := NewLogger(ctx, sink, nil, nil, nil)
	l.Log(ctx, Record{
		Event:       EventOperation,
		Environment: models.EnvProduction,
		Operation:   models.NewOperation(models.VerbInsert, "users"),
		Data:        map[string]interface{}{"rows": int64(12), "ratio": 0.25, "tables": []string{"a", "b"}},
		Success:     true,
	})
	require.NoError(t, l.Close())

	sink, err = NewFileSink(path)
	require.NoError(t, err)
	l = NewLogger(ctx, sink, nil, nil, nil)
	l.Log(ctx, Record{Event: EventAccessDenied, UserID: "u2", Success: false})
	require.NoError(t, l.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.VerbInsert, entries[0].Operation.Type)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.NoError(t, Verify(entries))
}

func TestFileSink_Purge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	ctx := context.Background()
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	old := &Entry{ID: "old", Event: EventSyncStart, Timestamp: time.Now().Add(-48 * time.Hour)}
	old.Hash = ComputeHash(old)
	fresh := &Entry{ID: "new", Event: EventSyncStart, Timestamp: time.Now(), PrevHash: old.Hash}
	fresh.Hash = ComputeHash(fresh)
	require.NoError(t, sink.Write(ctx, old))
	require.NoError(t, sink.Write(ctx, fresh))

	removed, err := sink.Purge(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := sink.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
	assert.NoError(t, Verify(entries), "a purged log verifies from its first remaining entry")

	require.NoError(t, sink.Write(ctx, &Entry{ID: "after", Event: EventSyncStart, Timestamp: time.Now()}))
	entries, _ = sink.Entries(ctx)
	assert.Len(t, entries, 2)
}

func TestReadFile_Missing(t *testing.T) {
	entries, err := ReadFile(filepath.Join(t.TempDir(), "none.log"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sink := NewRedisSink(client, "envdb:audit", 0)
	l := NewLogger(ctx, sink, nil, nil, nil)
	l.Log(ctx, Record{Event: EventSyncStart, Data: map[string]interface{}{"source": "production"}, Success: true})
	last := l.Log(ctx, Record{Event: EventSyncComplete, Data: map[string]interface{}{"rows": 10}, Success: true})

	entries, err := sink.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, Verify(entries))

	head, err := sink.LastHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, last.Hash, head)

	resumed := NewLogger(ctx, sink, nil, nil, nil)
	next := resumed.Log(ctx, Record{Event: EventSyncStart, Success: true})
	assert.Equal(t, last.Hash, next.PrevHash)
}

func TestPostgresSink(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sink := NewPostgresSink(sqlx.NewDb(db, "postgres"))
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(sqlmock.AnyArg(), "ACCESS_DENIED", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM audit_log WHERE timestamp < $1`)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	failures := &recordedFailures{}
	l := NewLogger(ctx, sink, failures, nil, nil)
	l.Log(ctx, Record{Event: EventAccessDenied, UserID: "u1", Environment: models.EnvProduction})
	assert.Empty(t, failures.errs)

	n, err := sink.Purge(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
