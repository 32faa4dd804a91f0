package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/qualys/envdb/internal/models"
)

// FileStore keeps snapshots under a local directory, one file per snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "backups"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	target := filepath.Join(s.dir, filepath.FromSlash(objectKey("", snap.Environment, snap.ID)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing backup: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, env models.Environment, id string) (*Snapshot, error) {
	target := filepath.Join(s.dir, filepath.FromSlash(objectKey("", env, id)))
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, env, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return Decode(data)
}
