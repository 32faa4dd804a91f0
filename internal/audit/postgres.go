package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qualys/envdb/internal/models"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id            TEXT PRIMARY KEY,
	seq           BIGSERIAL,
	event         TEXT NOT NULL,
	user_id       TEXT,
	environment   TEXT,
	operation     JSONB,
	data          JSONB,
	timestamp     TIMESTAMPTZ NOT NULL,
	ip_address    TEXT,
	success       BOOLEAN NOT NULL,
	error_message TEXT,
	prev_hash     TEXT,
	hash          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log (timestamp);
`

// PostgresSink stores entries in the control-plane audit_log table.
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("creating audit_log table: %w", err)
	}
	return nil
}

type entryRow struct {
	ID           string         `db:"id"`
	Event        string         `db:"event"`
	UserID       sql.NullString `db:"user_id"`
	Environment  sql.NullString `db:"environment"`
	Operation    []byte         `db:"operation"`
	Data         []byte         `db:"data"`
	Timestamp    time.Time      `db:"timestamp"`
	IPAddress    sql.NullString `db:"ip_address"`
	Success      bool           `db:"success"`
	ErrorMessage sql.NullString `db:"error_message"`
	PrevHash     sql.NullString `db:"prev_hash"`
	Hash         string         `db:"hash"`
}

func (r *entryRow) toEntry() (*Entry, error) {
	e := &Entry{
		ID:           r.ID,
		Event:        Event(r.Event),
		UserID:       r.UserID.String,
		Environment:  models.Environment(r.Environment.String),
		Timestamp:    r.Timestamp.UTC(),
		IPAddress:    r.IPAddress.String,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage.String,
		PrevHash:     r.PrevHash.String,
		Hash:         r.Hash,
	}
	if len(r.Operation) > 0 {
		var op models.Operation
		if err := json.Unmarshal(r.Operation, &op); err != nil {
			return nil, fmt.Errorf("decoding operation of %s: %w", r.ID, err)
		}
		e.Operation = &op
	}
	if len(r.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(r.Data))
		dec.UseNumber()
		if err := dec.Decode(&e.Data); err != nil {
			return nil, fmt.Errorf("decoding data of %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresSink) Write(ctx context.Context, entry *Entry) error {
	var op, data []byte
	var err error
	if entry.Operation != nil {
		if op, err = json.Marshal(entry.Operation); err != nil {
			return err
		}
	}
	if entry.Data != nil {
		if data, err = json.Marshal(entry.Data); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, event, user_id, environment, operation, data, timestamp, ip_address, success, error_message, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, string(entry.Event), nullString(entry.UserID), nullString(string(entry.Environment)),
		op, data, entry.Timestamp, nullString(entry.IPAddress), entry.Success,
		nullString(entry.ErrorMessage), nullString(entry.PrevHash), entry.Hash)
	return err
}

func (s *PostgresSink) Entries(ctx context.Context) ([]*Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, event, user_id, environment, operation, data, timestamp, ip_address, success, error_message, prev_hash, hash
		FROM audit_log ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries[i] = entry
	}
	return entries, nil
}

func (s *PostgresSink) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (s *PostgresSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close is a no-op; the control-plane handle is owned by the caller.
func (s *PostgresSink) Close() error {
	return nil
}
