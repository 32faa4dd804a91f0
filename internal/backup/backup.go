// Package backup captures and restores table snapshots of an environment. Snapshots are
// stored as gzip-compressed JSON on local disk or in a cloud object store.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrNotFound        = errors.New("backup not found")
	ErrUnknownProvider = errors.New("unknown backup provider")
)

// Snapshot is the full content of a set of tables at one point in time.
type Snapshot struct {
	ID          string                  `json:"id"`
	Environment models.Environment      `json:"environment"`
	CreatedAt   time.Time               `json:"createdAt"`
	Tables      map[string][]models.Row `json:"tables"`
}

// TableNames returns the snapshot tables in a stable order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Snapshot) RowCount() int64 {
	var n int64
	for _, rows := range s.Tables {
		n += int64(len(rows))
	}
	return n
}

// Store persists snapshots by id.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, env models.Environment, id string) (*Snapshot, error)
}

// Source is the read side of an environment connection.
type Source interface {
	FetchAll(ctx context.Context, table string) ([]models.Row, error)
}

// Target is the write side of an environment connection.
type Target interface {
	Truncate(ctx context.Context, table string) error
	InsertBatch(ctx context.Context, table string, rows []models.Row) (int64, error)
}

// Capture reads every table from src into a new snapshot.
func Capture(ctx context.Context, src Source, env models.Environment, tables []string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:          uuid.New().String(),
		Environment: env,
		CreatedAt:   time.Now().UTC(),
		Tables:      make(map[string][]models.Row, len(tables)),
	}
	for _, table := range tables {
		rows, err := src.FetchAll(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("reading %s for backup: %w", table, err)
		}
		snap.Tables[table] = rows
	}
	return snap, nil
}

// Restore truncates every snapshot table on dst and reloads its rows in batches.
// Tables are restored independently; the first failure stops the restore.
func Restore(ctx context.Context, dst Target, snap *Snapshot, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	for _, table := range snap.TableNames() {
		if err := dst.Truncate(ctx, table); err != nil {
			return fmt.Errorf("truncating %s for restore: %w", table, err)
		}
		rows := snap.Tables[table]
		for start := 0; start < len(rows); start += batchSize {
			end := min(start+batchSize, len(rows))
			if _, err := dst.InsertBatch(ctx, table, rows[start:end]); err != nil {
				return fmt.Errorf("restoring %s: %w", table, err)
			}
		}
	}
	return nil
}

// Encode serializes a snapshot as gzip JSON.
func Encode(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Numbers are kept as json.Number so integer columns survive intact.
func Decode(data []byte) (*Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	dec.UseNumber()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// objectKey is the location of a snapshot inside a bucket, container or directory.
func objectKey(prefix string, env models.Environment, id string) string {
	return path.Join(prefix, string(env), id+".json.gz")
}

// FromConfig opens the store named by backup.provider.
func FromConfig(ctx context.Context, cfg config.BackupConfig) (Store, error) {
	switch cfg.Provider {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, S3Config{
			Region:        cfg.Region,
			Bucket:        cfg.Bucket,
			Prefix:        cfg.Prefix,
			AssumeRoleARN: cfg.AssumeRoleARN,
			ExternalID:    cfg.ExternalID,
		})
	case "gcs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
		})
	case "azure":
		return NewAzureStore(AzureConfig{
			AccountURL:   cfg.AccountURL,
			Container:    cfg.Bucket,
			Prefix:       cfg.Prefix,
			TenantID:     cfg.TenantID,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}
