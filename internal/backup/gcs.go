package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/qualys/envdb/internal/models"
)

type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// GCSStore writes snapshots to a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs backup store: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	w := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, snap.Environment, snap.ID)).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ContentEncoding = "gzip"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("uploading backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("uploading backup: %w", err)
	}
	return nil
}

func (s *GCSStore) Load(ctx context.Context, env models.Environment, id string) (*Snapshot, error) {
	// ReadCompressed keeps the transport from transcoding the gzip payload.
	r, err := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, env, id)).ReadCompressed(true).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, env, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting backup: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return Decode(data)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
