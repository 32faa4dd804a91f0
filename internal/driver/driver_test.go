package driver

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/models"
)

func newMockConn(t *testing.T) (Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresConn(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresConn_Ping(t *testing.T) {
	conn, mock := newMockConn(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))

	require.NoError(t, conn.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConn_FetchAll(t *testing.T) {
	conn, mock := newMockConn(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(int64(1), "john@x.com").
			AddRow(int64(2), []byte("jane@x.com")))

	rows, err := conn.FetchAll(context.Background(), "users")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "john@x.com", rows[0]["email"])
	assert.Equal(t, "jane@x.com", rows[1]["email"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConn_InsertBatch(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "users" ("email", "id") VALUES ($1, $2), ($3, $4)`)).
		WithArgs("a@x.com", int64(1), nil, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := conn.InsertBatch(context.Background(), "users", []models.Row{
		{"id": int64(1), "email": "a@x.com"},
		{"id": int64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConn_InsertBatchRollsBackOnError(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "orders"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := conn.InsertBatch(context.Background(), "orders", []models.Row{{"id": int64(1)}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConn_InsertBatchSplitsWideBatches(t *testing.T) {
	conn, mock := newMockConn(t)

	const width, count = 70, 2000
	rows := make([]models.Row, count)
	for i := range rows {
		row := make(models.Row, width)
		for c := range width {
			row[fmt.Sprintf("c%02d", c)] = i
		}
		rows[i] = row
	}

	// 65535/70 leaves 936 rows per statement.
	mock.ExpectBegin()
	for _, n := range []int64{936, 936, 128} {
		mock.ExpectExec(`INSERT INTO "wide"`).WillReturnResult(sqlmock.NewResult(0, n))
	}
	mock.ExpectCommit()

	n, err := conn.InsertBatch(context.Background(), "wide", rows)
	require.NoError(t, err)
	assert.Equal(t, int64(count), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkRows(t *testing.T) {
	rows := make([]models.Row, 10)

	chunks := chunkRows(rows, 3, 12)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 4)
	assert.Len(t, chunks[2], 2)

	assert.Len(t, chunkRows(rows, sqliteMaxParams+1, sqliteMaxParams), 10)
	assert.Len(t, chunkRows(rows, 0, postgresMaxParams), 1)
}

func TestPostgresConn_TruncateAndCount(t *testing.T) {
	conn, mock := newMockConn(t)
	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE TABLE "public"."users"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."users"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	require.NoError(t, conn.Truncate(context.Background(), "public.users"))
	n, err := conn.Count(context.Background(), "public.users")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConn_RejectsBadIdentifiers(t *testing.T) {
	conn, mock := newMockConn(t)

	_, err := conn.FetchAll(context.Background(), "users; DROP TABLE users")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = conn.InsertBatch(context.Background(), "users", []models.Row{{"bad col": 1}})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		raw, token, want string
	}{
		{"postgres://app@db:5432/app", "", "postgres://app@db:5432/app"},
		{"postgres://app@db:5432/app", "t0k", "postgres://app:t0k@db:5432/app"},
		{"host=db user=app", "t0k", "host=db user=app password='t0k'"},
	}
	for _, tt := range tests {
		got, err := postgresDSN(tt.raw, tt.token)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestSQLiteConn_RoundTrip(t *testing.T) {
	ctx := context.Background()
	conn, err := SQLiteFactory(ctx, environment.Config{
		Name:              models.EnvTesting,
		Engine:            models.EngineSQLite,
		URL:               ":memory:",
		ConnectionTimeout: time.Second,
	})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)")
	require.NoError(t, err)

	n, err := conn.InsertBatch(ctx, "users", []models.Row{
		{"id": int64(1), "email": "a@x.com"},
		{"id": int64(2), "email": "b@x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	rows, err := conn.Query(ctx, "SELECT email FROM users WHERE id = ?", int64(2))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b@x.com", rows[0]["email"])

	require.NoError(t, conn.Truncate(ctx, "users"))
	count, err = conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Zero(t, count)
	require.NoError(t, conn.Ping(ctx))
}

func TestMemoryConn(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Seed(models.EnvProduction, "users", []models.Row{{"id": 1}})

	conn, err := NewMemoryFactory(store)(ctx, environment.Config{Name: models.EnvProduction})
	require.NoError(t, err)

	rows, err := conn.FetchAll(ctx, "users")
	require.NoError(t, err)
	rows[0]["id"] = 99
	assert.Equal(t, 1, store.Rows(models.EnvProduction, "users")[0]["id"], "fetched rows must be copies")

	_, err = conn.InsertBatch(ctx, "users", []models.Row{{"id": 2}})
	require.NoError(t, err)
	n, err := conn.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counted, err := conn.Query(ctx, `SELECT COUNT(*) FROM "users"`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counted[0]["count"])

	deleted, err := conn.Exec(ctx, "DELETE FROM users")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Empty(t, store.Rows(models.EnvProduction, "users"))

	_, err = conn.Exec(ctx, "UPDATE users SET id = 1")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.Empty(t, store.Rows(models.EnvDevelopment, "users"), "environments are isolated")

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Ping(ctx), ErrClosed)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(nil)
	assert.True(t, r.Has(models.EnginePostgres))
	assert.True(t, r.Has(models.EngineSQLite))
	assert.False(t, r.Has(models.EngineMemory))

	_, err := r.Open(context.Background(), environment.Config{Engine: models.EngineMemory})
	assert.ErrorIs(t, err, ErrUnknownEngine)

	r = DefaultRegistry(NewMemoryStore())
	assert.Equal(t, []models.EngineType{models.EngineMemory, models.EnginePostgres, models.EngineSQLite}, r.Engines())
}

func TestColumns(t *testing.T) {
	cols := Columns([]models.Row{{"b": 1, "a": 2}, {"c": 3}})
	assert.Equal(t, []string{"a", "b", "c"}, cols)
}
