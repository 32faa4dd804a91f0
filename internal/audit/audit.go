// Package audit writes tamper-evident, redacted records of connection lifecycle events,
// access decisions and sync runs. Logging is best-effort: a failed write is reported to
// the monitor and never fails the operation being audited.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/envdb/internal/classifier"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrAuditWrite  = errors.New("audit write failed")
	ErrChainBroken = errors.New("audit chain broken")
	ErrTampered    = errors.New("audit entry hash mismatch")
)

type Event string

const (
	EventConnectionCreated Event = "CONNECTION_CREATED"
	EventConnectionReused  Event = "CONNECTION_REUSED"
	EventConnectionFailed  Event = "CONNECTION_FAILED"
	EventConnectionClosed  Event = "CONNECTION_RELEASED"
	EventAccessDenied      Event = "ACCESS_DENIED"
	EventOperation         Event = "OPERATION_EXECUTED"
	EventSyncStart         Event = "SYNC_START"
	EventSyncComplete      Event = "SYNC_COMPLETE"
	EventSyncError         Event = "SYNC_ERROR"
	EventSyncRollback      Event = "SYNC_ROLLBACK"
	EventBackupCreated     Event = "BACKUP_CREATED"
)

// Entry is one persisted audit record.
type Entry struct {
	ID           string                 `json:"id"`
	Event        Event                  `json:"event"`
	UserID       string                 `json:"userId,omitempty"`
	Environment  models.Environment     `json:"environment,omitempty"`
	Operation    *models.Operation      `json:"operation,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	IPAddress    string                 `json:"ipAddress,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	PrevHash     string                 `json:"prevHash,omitempty"`
	Hash         string                 `json:"hash"`
}

// Record is what callers hand to Log.
type Record struct {
	Event       Event
	UserID      string
	Environment models.Environment
	Operation   *models.Operation
	Data        map[string]interface{}
	Success     bool
	Err         error
}

type Sink interface {
	Write(ctx context.Context, entry *Entry) error
	Close() error
}

// Reader is implemented by sinks that can return what they stored, oldest first.
type Reader interface {
	Entries(ctx context.Context) ([]*Entry, error)
}

// Purger is implemented by sinks that support retention.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// chainHead is implemented by sinks that can report the hash of their newest entry so a
// restarted logger continues the chain.
type chainHead interface {
	LastHash(ctx context.Context) (string, error)
}

// FailureRecorder receives audit write failures and owns counting them in metrics.
type FailureRecorder interface {
	RecordAuditFailure(err error)
}

type Logger struct {
	sink     Sink
	failures FailureRecorder
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu       sync.Mutex
	lastHash string
}

func NewLogger(ctx context.Context, sink Sink, failures FailureRecorder, logger *slog.Logger, m *metrics.Collector) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		sink:     sink,
		failures: failures,
		logger:   logger.With("component", "audit"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	if head, ok := sink.(chainHead); ok {
		last, err := head.LastHash(ctx)
		if err != nil {
			l.logger.Warn("could not read audit chain head; starting new chain", "error", err)
		}
		l.lastHash = last
	}
	return l
}

// Log redacts, hashes and persists rec. It always returns the entry that was built; a
// persistence failure is reported to the failure recorder instead of the caller.
func (l *Logger) Log(ctx context.Context, rec Record) *Entry {
	entry := &Entry{
		ID:          uuid.NewString(),
		Event:       rec.Event,
		UserID:      rec.UserID,
		Environment: rec.Environment,
		Operation:   rec.Operation,
		Data:        normalize(RedactMap(rec.Data)),
		Success:     rec.Success,
	}
	if rec.Operation != nil {
		entry.IPAddress = rec.Operation.IPAddress
	}
	if rec.Err != nil {
		entry.ErrorMessage = classifier.Redact(rec.Err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = l.now()
	entry.PrevHash = l.lastHash
	entry.Hash = ComputeHash(entry)

	if err := l.sink.Write(ctx, entry); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrAuditWrite, entry.Event, err)
		l.logger.Warn("audit entry not persisted", "event", entry.Event, "error", err)
		// the recorder owns the failure counter when one is wired
		if l.failures != nil {
			l.failures.RecordAuditFailure(err)
		} else {
			l.metrics.IncAuditFailure()
		}
		return entry
	}

	l.lastHash = entry.Hash
	l.metrics.IncAuditEntry(string(entry.Event))
	return entry
}

func (l *Logger) Close() error {
	return l.sink.Close()
}

// Sink returns the underlying sink.
func (l *Logger) Sink() Sink {
	return l.sink
}

// ComputeHash is the hex SHA-256 of the event, data and timestamp, chained to the
// previous entry's hash.
func ComputeHash(e *Entry) string {
	payload, _ := json.Marshal(struct {
		Event     Event                  `json:"event"`
		Data      map[string]interface{} `json:"data"`
		Timestamp string                 `json:"timestamp"`
		PrevHash  string                 `json:"prevHash"`
	}{
		Event:     e.Event,
		Data:      e.Data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify checks every entry's hash and its link to the previous entry. The first entry's
// PrevHash is taken as the anchor so a purged log still verifies.
func Verify(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	prev := entries[0].PrevHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %s (#%d) does not follow its predecessor", ErrChainBroken, e.ID, i)
		}
		if ComputeHash(e) != e.Hash {
			return fmt.Errorf("%w: entry %s (#%d)", ErrTampered, e.ID, i)
		}
		prev = e.Hash
	}
	return nil
}

// RedactMap returns a deep copy of data with sensitive keys replaced and secret-looking
// strings scrubbed.
func RedactMap(data map[string]interface{}) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if classifier.IsSensitiveKey(k) {
			out[k] = classifier.Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

// normalize round-trips data through JSON so the hash computed here matches the hash of
// the entry after it is read back from any sink.
func normalize(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	var out map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return data
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return classifier.Redact(val)
	case map[string]interface{}:
		return RedactMap(val)
	case models.Row:
		return RedactMap(val)
	case models.JSONB:
		return RedactMap(val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return RedactMap(m)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = classifier.Redact(item)
		}
		return out
	case error:
		return classifier.Redact(val.Error())
	}
	return v
}
