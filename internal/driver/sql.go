package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/qualys/envdb/internal/models"
)

// sqlConn implements Conn over a single-connection sqlx handle.
type sqlConn struct {
	db        *sqlx.DB
	truncate  string // statement prefix, e.g. "TRUNCATE TABLE"
	maxParams int    // bind placeholders the engine accepts per statement
}

func newSQLConn(db *sqlx.DB, truncate string, maxParams int) *sqlConn {
	// One physical connection per pooled handle; the pool does the multiplexing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &sqlConn{db: db, truncate: truncate, maxParams: maxParams}
}

func (c *sqlConn) Ping(ctx context.Context) error {
	var one int
	return c.db.QueryRowxContext(ctx, "SELECT 1").Scan(&one)
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, error) {
	rows, err := c.db.QueryxContext(ctx, c.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, models.Row(row))
	}
	return out, rows.Err()
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlConn) FetchAll(ctx context.Context, table string) ([]models.Row, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	return c.Query(ctx, "SELECT * FROM "+quoteIdent(table))
}

func (c *sqlConn) Truncate(ctx context.Context, table string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, c.truncate+" "+quoteIdent(table))
	return err
}

func (c *sqlConn) Count(ctx context.Context, table string) (int64, error) {
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	var n int64
	if err := c.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+quoteIdent(table)); err != nil {
		return 0, err
	}
	return n, nil
}

// Bind placeholder ceilings per statement.
const (
	postgresMaxParams = 65535
	sqliteMaxParams   = 32766
)

// InsertBatch writes rows with multi-row INSERTs inside one transaction, splitting them so
// no statement binds more placeholders than the engine allows. Columns missing from a row
// are inserted as NULL.
func (c *sqlConn) InsertBatch(ctx context.Context, table string, rows []models.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	cols := Columns(rows)
	for _, col := range cols {
		if err := ValidateIdentifier(col); err != nil {
			return 0, err
		}
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, chunk := range chunkRows(rows, len(cols), c.maxParams) {
		query, args := buildInsert(table, cols, chunk)
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(len(chunk))
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insert into %s: %w", table, err)
	}
	return total, nil
}

// chunkRows splits rows so each chunk binds at most limit values.
func chunkRows(rows []models.Row, width, limit int) [][]models.Row {
	per := max(1, limit/max(1, width))
	chunks := make([][]models.Row, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		chunks = append(chunks, rows[start:min(start+per, len(rows))])
	}
	return chunks
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

func buildInsert(table string, cols []string, rows []models.Row) (string, []interface{}) {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	values := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*len(cols))
	for i, row := range rows {
		values[i] = placeholders
		for _, col := range cols {
			args = append(args, row[col])
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(values, ", "))
	return query, args
}

func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}
