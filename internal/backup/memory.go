package backup

import (
	"context"
	"fmt"
	"sync"

	"github.com/qualys/envdb/internal/models"
)

// MemoryStore keeps encoded snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	fail  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// FailWith makes subsequent saves return err. A nil err clears it.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.RLock()
	fail := s.fail
	s.mu.RUnlock()
	if fail != nil {
		return fail
	}

	data, err := Encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[objectKey("", snap.Environment, snap.ID)] = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, env models.Environment, id string) (*Snapshot, error) {
	s.mu.RLock()
	data, ok := s.blobs[objectKey("", env, id)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, env, id)
	}
	return Decode(data)
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
